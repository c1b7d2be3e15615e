package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event subjects
const (
	SubjectTokenRefreshed = "doudian.token.refreshed"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher forwards refresh events to NATS. It is an Observer, so it is
// registered on a Notifier like any other.
type Publisher struct {
	nc      Conn
	subject string
	logger  *zap.Logger
}

// NewPublisher creates a new NATS publisher
func NewPublisher(nc Conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, subject: SubjectTokenRefreshed, logger: logger}
}

// WithSubject overrides the publish subject.
func (p *Publisher) WithSubject(subject string) *Publisher {
	p.subject = subject
	return p
}

// OnTokenRefreshed publishes the event. Tokens are never part of the payload.
func (p *Publisher) OnTokenRefreshed(_ context.Context, event RefreshEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh event: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish refresh event: %w", err)
	}
	p.logger.Debug("Published refresh event",
		zap.String("subject", p.subject),
		zap.String("shop_id", event.ShopID),
	)
	return nil
}

// Subscriber handles NATS event subscriptions
type Subscriber struct {
	nc       *nats.Conn
	logger   *zap.Logger
	observer Observer
	subs     []*nats.Subscription
}

// NewSubscriber creates a subscriber feeding remote refresh events to observer.
func NewSubscriber(nc *nats.Conn, observer Observer, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		nc:       nc,
		logger:   logger,
		observer: observer,
		subs:     make([]*nats.Subscription, 0),
	}
}

// Start subscribes to token events.
func (s *Subscriber) Start() error {
	sub, err := s.nc.Subscribe(SubjectTokenRefreshed, s.handleRefreshed)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	s.logger.Info("Subscribed to event", zap.String("subject", SubjectTokenRefreshed))
	return nil
}

// Stop unsubscribes from all events
func (s *Subscriber) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.subs = s.subs[:0]
	s.logger.Info("NATS subscriber stopped")
}

func (s *Subscriber) handleRefreshed(msg *nats.Msg) {
	var event RefreshEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.logger.Error("Failed to unmarshal refresh event", zap.Error(err))
		return
	}

	s.logger.Info("Received refresh event",
		zap.String("profile", event.Profile),
		zap.String("shop_id", event.ShopID),
		zap.Int64("expires_at", event.ExpiresAt),
	)

	if err := s.observer.OnTokenRefreshed(context.Background(), event); err != nil {
		s.logger.Error("Failed to handle refresh event",
			zap.String("shop_id", event.ShopID),
			zap.Error(err),
		)
	}
}
