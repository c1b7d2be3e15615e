package doudian

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func testProfile(baseURL string) ProfileConfig {
	return ProfileConfig{Name: "default", AppKey: "key123", AppSecret: "secret", OpenRequestURL: baseURL}
}

type capturedRequest struct {
	Path     string
	RawQuery string
	Header   http.Header
	Body     string
}

func newCapturingServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = append(captured, capturedRequest{Path: r.URL.Path, RawQuery: r.URL.RawQuery, Header: r.Header.Clone(), Body: string(body)})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
}

func TestClientExecuteSignsRequest(t *testing.T) {
	srv, captured := newCapturingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":10000,"msg":"success","log_id":"L1","data":{"total":0}}`)
	})

	client, err := NewClient(ClientConfig{Profile: testProfile(srv.URL)})
	require.NoError(t, err)
	client.WithClock(func() time.Time { return fixedNow })

	param := map[string]any{"size": 10, "page": 0, "title": "<b>"}
	resp, err := client.Execute(context.Background(), Request{Path: "/product/listV2", Param: param}, "tok")
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Nil(t, resp.Err())
	assert.Equal(t, "L1", resp.LogID)

	reqs := captured()
	require.Len(t, reqs, 1)
	got := reqs[0]

	body := `{"page":0,"size":10,"title":"<b>"}`
	assert.Equal(t, body, got.Body)
	assert.Equal(t, "/product/listV2", got.Path)

	sign := domain.Sign("key123", "secret", "product.listV2", fixedNow.Unix(), body)
	assert.Equal(t,
		"app_key=key123&method=product.listV2&v=2&sign="+sign+"&timestamp=1700000000&access_token=tok&sign_method=hmac-sha256",
		got.RawQuery,
	)

	assert.Equal(t, "application/json;charset=utf-8", got.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "sdk", got.Header.Get("from"))
	assert.Equal(t, "go", got.Header.Get("sdk-type"))
	assert.Equal(t, SDKVersion, got.Header.Get("sdk-version"))
	assert.Equal(t, "1", got.Header.Get("x-open-no-old-err-code"))
}

func TestClientExecuteResponses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		check   func(t *testing.T, resp *Response)
	}{
		{
			name:   "api error",
			status: http.StatusOK,
			body:   `{"code":40006,"msg":"invalid token","sub_code":"isv.token-invalid","sub_msg":"expired"}`,
			check: func(t *testing.T, resp *Response) {
				err := resp.Err()
				assert.ErrorIs(t, err, domain.ErrTokenInvalid)
				var apiErr *domain.APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, "isv.token-invalid", apiErr.SubCode)
			},
		},
		{
			name:   "server error with envelope",
			status: http.StatusServiceUnavailable,
			body:   `{"code":"20000","msg":"busy"}`,
			check: func(t *testing.T, resp *Response) {
				assert.Equal(t, 20000, resp.Code)
				assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
				assert.ErrorIs(t, resp.Err(), domain.ErrServiceUnavailable)
			},
		},
		{
			name:    "unparseable body",
			status:  http.StatusBadGateway,
			body:    `<html>bad gateway</html>`,
			wantErr: domain.ErrInvalidResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			client, err := NewClient(ClientConfig{Profile: testProfile(srv.URL)})
			require.NoError(t, err)

			resp, err := client.Execute(context.Background(), Request{Path: "/x/y"}, "")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			tt.check(t, resp)
		})
	}
}

func TestClientExecuteTransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := NewClient(ClientConfig{Profile: testProfile(url)})
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), Request{Path: "/x/y"}, "very-secret-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.NotContains(t, err.Error(), "very-secret-token")
}

func TestClientExecuteSerializationError(t *testing.T) {
	client, err := NewClient(ClientConfig{Profile: testProfile("http://unused"), Transport: &scriptedTransport{}})
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), Request{Path: "/x/y", Param: map[string]any{"f": func() {}}}, "")
	assert.ErrorIs(t, err, domain.ErrSerialization)
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(ClientConfig{Profile: ProfileConfig{AppKey: "k"}})
	assert.ErrorIs(t, err, ErrMissingCredentials)

	c, err := NewClient(ClientConfig{Profile: ProfileConfig{AppKey: "k", AppSecret: "s"}})
	require.NoError(t, err)
	assert.Equal(t, "default", c.Profile())
	assert.Equal(t, DefaultOpenRequestURL, c.profile.OpenRequestURL)
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://h/p?app_key=k&access_token=abc&v=2")
	assert.NotContains(t, got, "abc")
	assert.True(t, strings.Contains(got, "access_token=REDACTED"))
	assert.Equal(t, "https://h/p?access_token=", redactURL("https://h/p?access_token="))
}

// scriptedTransport replays canned results in order. Once the script is
// exhausted the last step repeats.
type scriptedTransport struct {
	mu    sync.Mutex
	steps []func(req *TransportRequest) (*TransportResponse, error)
	reqs  []*TransportRequest
}

func (s *scriptedTransport) RoundTrip(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if len(s.steps) == 0 {
		return nil, errors.New("no script")
	}
	i := len(s.reqs) - 1
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i](req)
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *scriptedTransport) request(i int) *TransportRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

func respond(status int, body string) func(*TransportRequest) (*TransportResponse, error) {
	return func(*TransportRequest) (*TransportResponse, error) {
		return &TransportResponse{StatusCode: status, Body: []byte(body)}, nil
	}
}

func fail(err error) func(*TransportRequest) (*TransportResponse, error) {
	return func(req *TransportRequest) (*TransportResponse, error) {
		return nil, &domain.TransportError{Op: req.Method, URL: redactURL(req.URL), Err: err}
	}
}
