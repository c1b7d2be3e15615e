package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

// ErrObserverFull is returned by a ChannelObserver whose buffer is full.
var ErrObserverFull = errors.New("refresh event channel is full")

// RefreshEvent is emitted after a shop's token was refreshed and stored.
type RefreshEvent struct {
	ID          uuid.UUID `json:"id"`
	Profile     string    `json:"profile"`
	ShopID      string    `json:"shop_id"`
	ShopName    string    `json:"shop_name,omitempty"`
	ExpiresAt   int64     `json:"expires_at"`
	RefreshedAt time.Time `json:"refreshed_at"`

	// in-process only, never serialized
	Token *doudian.AccessToken `json:"-"`
}

// NewRefreshEvent builds an event for a stored record.
func NewRefreshEvent(key doudian.TokenKey, rec *doudian.TokenRecord, tok *doudian.AccessToken, at time.Time) RefreshEvent {
	return RefreshEvent{
		ID:          uuid.New(),
		Profile:     key.Profile,
		ShopID:      key.ShopID,
		ShopName:    rec.ShopName,
		ExpiresAt:   rec.ExpiresAt,
		RefreshedAt: at.UTC(),
		Token:       tok,
	}
}

// Observer receives refresh events.
type Observer interface {
	OnTokenRefreshed(ctx context.Context, event RefreshEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event RefreshEvent) error

func (f ObserverFunc) OnTokenRefreshed(ctx context.Context, event RefreshEvent) error {
	return f(ctx, event)
}

// Notifier fans refresh events out to its observers. Delivery is best
// effort: errors and panics are logged, never returned.
type Notifier struct {
	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
	logger    *zap.Logger
}

// NewNotifier creates a notifier with the given initial observers.
func NewNotifier(logger *zap.Logger, observers ...Observer) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{observers: make(map[int]Observer), logger: logger}
	for _, o := range observers {
		n.Subscribe(o)
	}
	return n
}

// Subscribe registers an observer and returns a function removing it.
func (n *Notifier) Subscribe(o Observer) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.observers[id] = o
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.observers, id)
		n.mu.Unlock()
	}
}

// Notify delivers event to every observer in registration order.
func (n *Notifier) Notify(ctx context.Context, event RefreshEvent) {
	if n == nil {
		return
	}
	n.mu.RLock()
	ids := make([]int, 0, len(n.observers))
	for id := range n.observers {
		ids = append(ids, id)
	}
	observers := make([]Observer, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		observers = append(observers, n.observers[id])
	}
	n.mu.RUnlock()

	for _, o := range observers {
		if err := n.deliver(ctx, o, event); err != nil {
			n.logger.Warn("refresh event delivery failed",
				zap.String("event_id", event.ID.String()),
				zap.String("profile", event.Profile),
				zap.String("shop_id", event.ShopID),
				zap.Error(err),
			)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, o Observer, event RefreshEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panicked: %v", r)
		}
	}()
	return o.OnTokenRefreshed(ctx, event)
}

// ChannelObserver exposes refresh events as a channel. Sends never block;
// when the buffer is full the event is dropped.
type ChannelObserver struct {
	ch chan RefreshEvent
}

// NewChannelObserver creates an observer with the given buffer size.
func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{ch: make(chan RefreshEvent, buffer)}
}

// Events returns the receive side of the channel.
func (c *ChannelObserver) Events() <-chan RefreshEvent {
	return c.ch
}

func (c *ChannelObserver) OnTokenRefreshed(_ context.Context, event RefreshEvent) error {
	select {
	case c.ch <- event:
		return nil
	default:
		return ErrObserverFull
	}
}
