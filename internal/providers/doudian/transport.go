package doudian

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultReadTimeout    = 10 * time.Second
)

// TransportRequest is one outbound HTTP call.
type TransportRequest struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// TransportResponse is the raw result of a call. A non-2xx status is a
// response, not an error.
type TransportResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends requests to the open platform.
type Transport interface {
	RoundTrip(ctx context.Context, req *TransportRequest) (*TransportResponse, error)
}

// HTTPTransportConfig holds timeouts for HTTPTransport.
type HTTPTransportConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// HTTPTransport is a Transport over net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport with separate connect and read timeouts.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &HTTPTransport{
		client: &http.Client{
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ReadTimeout,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) RoundTrip(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		// *url.Error repeats the full URL, token included
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, &domain.TransportError{Op: req.Method, URL: redactURL(req.URL), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransportError{Op: "read", URL: redactURL(req.URL), Err: err}
	}

	return &TransportResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
