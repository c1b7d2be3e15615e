package doudian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
	"github.com/niaga-platform/service-doudian/internal/metrics"
)

const (
	DefaultOpenRequestURL = "https://openapi-fxg.jinritemai.com"
	SDKVersion            = "service-doudian-go-1.0.0"
)

// ErrMissingCredentials is returned when a profile has no app key or secret.
var ErrMissingCredentials = errors.New("app_key and app_secret are required")

// ProfileConfig is the connection configuration of one client profile.
type ProfileConfig struct {
	Name           string
	AppKey         string
	AppSecret      string
	OpenRequestURL string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Request is one API call: an endpoint path and its business parameters.
type Request struct {
	Path  string
	Param any
}

// Response is the platform's envelope around every result.
type Response struct {
	Code       int             `json:"code"`
	Msg        string          `json:"msg"`
	SubCode    string          `json:"sub_code,omitempty"`
	SubMsg     string          `json:"sub_msg,omitempty"`
	LogID      string          `json:"log_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	StatusCode int             `json:"-"`
	Raw        []byte          `json:"-"`
}

// IsSuccess returns true when the platform reported success.
func (r *Response) IsSuccess() bool {
	return r != nil && r.Code == int(domain.CodeSuccess)
}

// Err returns nil on success, otherwise the response as an *APIError.
func (r *Response) Err() error {
	if r.IsSuccess() {
		return nil
	}
	return &domain.APIError{
		Code:       domain.ErrorCode(r.Code),
		Message:    r.Msg,
		SubCode:    r.SubCode,
		SubMessage: r.SubMsg,
		LogID:      r.LogID,
		StatusCode: r.StatusCode,
	}
}

// DecodeData unmarshals the data field into v.
func (r *Response) DecodeData(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

type envelope struct {
	Code    domain.FlexString `json:"code"`
	Msg     string            `json:"msg"`
	SubCode domain.FlexString `json:"sub_code"`
	SubMsg  string            `json:"sub_msg"`
	LogID   string            `json:"log_id"`
	Data    json.RawMessage   `json:"data"`
}

func parseResponse(status int, body []byte) (*Response, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: status %d: %v", domain.ErrInvalidResponse, status, err)
	}
	code, _ := strconv.Atoi(string(env.Code))
	return &Response{
		Code:       code,
		Msg:        env.Msg,
		SubCode:    string(env.SubCode),
		SubMsg:     env.SubMsg,
		LogID:      env.LogID,
		Data:       env.Data,
		StatusCode: status,
		Raw:        body,
	}, nil
}

// ClientConfig holds the dependencies of a Client.
type ClientConfig struct {
	Profile     ProfileConfig
	Transport   Transport
	RateLimiter *domain.RateLimiter
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Client performs single signed calls for one profile.
type Client struct {
	profile   ProfileConfig
	signature *domain.Signature
	transport Transport
	limiter   *domain.RateLimiter
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewClient creates a client for one profile.
func NewClient(cfg ClientConfig) (*Client, error) {
	p := cfg.Profile
	if p.AppKey == "" || p.AppSecret == "" {
		return nil, fmt.Errorf("profile %q: %w", p.Name, ErrMissingCredentials)
	}
	if p.Name == "" {
		p.Name = domain.DefaultProfile
	}
	if p.OpenRequestURL == "" {
		p.OpenRequestURL = DefaultOpenRequestURL
	}
	p.OpenRequestURL = strings.TrimRight(p.OpenRequestURL, "/")

	transport := cfg.Transport
	if transport == nil {
		transport = NewHTTPTransport(HTTPTransportConfig{
			ConnectTimeout: p.ConnectTimeout,
			ReadTimeout:    p.ReadTimeout,
		})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		profile:   p,
		signature: domain.NewSignature(p.AppKey, p.AppSecret),
		transport: transport,
		limiter:   cfg.RateLimiter,
		logger:    logger.With(zap.String("profile", p.Name)),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}, nil
}

// WithClock overrides the clock used for request timestamps.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// Profile returns the profile name.
func (c *Client) Profile() string {
	return c.profile.Name
}

// Signature returns the signer bound to the profile credentials.
func (c *Client) Signature() *domain.Signature {
	return c.signature
}

// Execute performs one signed call. accessToken may be empty for the
// token endpoints.
func (c *Client) Execute(ctx context.Context, req Request, accessToken string) (*Response, error) {
	paramJSON, err := domain.Canonicalize(req.Param)
	if err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, req.Path); err != nil {
			return nil, err
		}
	}

	method := domain.MethodFromPath(req.Path)
	timestamp := c.now().Unix()
	sign := c.signature.Sign(method, timestamp, paramJSON)

	tr := &TransportRequest{
		Method: http.MethodPost,
		URL:    c.buildURL(req.Path, method, sign, timestamp, accessToken),
		Header: defaultHeaders(),
		Body:   []byte(paramJSON),
	}

	start := time.Now()
	resp, err := c.transport.RoundTrip(ctx, tr)
	latency := time.Since(start)
	if err != nil {
		c.metrics.ObserveAttempt(req.Path, "transport_error", latency)
		c.logger.Warn("doudian request failed",
			zap.String("path", req.Path),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		var te *domain.TransportError
		if !errors.As(err, &te) {
			err = &domain.TransportError{Op: tr.Method, URL: redactURL(tr.URL), Err: err}
		}
		return nil, err
	}

	c.logger.Debug("doudian request completed",
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", latency),
		zap.String("response", truncateString(string(resp.Body), 500)),
	)

	out, err := parseResponse(resp.StatusCode, resp.Body)
	if err != nil {
		c.metrics.ObserveAttempt(req.Path, "invalid_response", latency)
		return nil, err
	}
	if out.IsSuccess() {
		c.metrics.ObserveAttempt(req.Path, "success", latency)
	} else {
		c.metrics.ObserveAttempt(req.Path, "api_error", latency)
	}
	return out, nil
}

// buildURL keeps the query parameters in the order the gateway documents.
func (c *Client) buildURL(path, method, sign string, timestamp int64, accessToken string) string {
	var b strings.Builder
	b.WriteString(c.profile.OpenRequestURL)
	b.WriteString(path)
	b.WriteString("?app_key=")
	b.WriteString(url.QueryEscape(c.profile.AppKey))
	b.WriteString("&method=")
	b.WriteString(url.QueryEscape(method))
	b.WriteString("&v=2&sign=")
	b.WriteString(sign)
	b.WriteString("&timestamp=")
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteString("&access_token=")
	b.WriteString(url.QueryEscape(accessToken))
	b.WriteString("&sign_method=hmac-sha256")
	return b.String()
}

func defaultHeaders() http.Header {
	h := make(http.Header, 6)
	h.Set("Content-Type", "application/json;charset=utf-8")
	h.Set("Accept", "application/json")
	h.Set("from", "sdk")
	h.Set("sdk-type", "go")
	h.Set("sdk-version", SDKVersion)
	h.Set("x-open-no-old-err-code", "1")
	return h
}

// redactURL hides the access token in URLs that end up in errors.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("access_token") != "" {
		q.Set("access_token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// truncateString truncates a string to the specified length.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
