package doudian

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultRefreshBuffer is how long before expiry a token is refreshed.
const DefaultRefreshBuffer = 5 * time.Minute

// DefaultProfile is the client profile used when none is given.
const DefaultProfile = "default"

// FlexString decodes a JSON string or number into a string. The platform
// sends shop ids as numbers on some endpoints and strings on others.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

type tokenData struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresIn    int64      `json:"expires_in"`
	Scope        string     `json:"scope"`
	ShopID       FlexString `json:"shop_id"`
	ShopName     string     `json:"shop_name"`
	ShopBizType  int        `json:"shop_biz_type"`
}

type tokenResponse struct {
	Code    *int       `json:"code"`
	Msg     string     `json:"msg"`
	SubCode string     `json:"sub_code"`
	SubMsg  string     `json:"sub_msg"`
	LogID   string     `json:"log_id"`
	Data    *tokenData `json:"data"`
}

// AccessToken is the outcome of a token create or refresh call.
// It is never mutated after construction.
type AccessToken struct {
	code       *int
	message    string
	subCode    string
	subMessage string
	logID      string
	data       *tokenData
	raw        json.RawMessage
}

// WrapAccessToken builds an AccessToken from a token endpoint response body.
func WrapAccessToken(body []byte) (*AccessToken, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &AccessToken{
		code:       resp.Code,
		message:    resp.Msg,
		subCode:    resp.SubCode,
		subMessage: resp.SubMsg,
		logID:      resp.LogID,
		data:       resp.Data,
		raw:        append(json.RawMessage(nil), body...),
	}, nil
}

// ParseAccessToken wraps a token string the caller already holds.
func ParseAccessToken(token string) *AccessToken {
	return &AccessToken{data: &tokenData{AccessToken: token}}
}

// IsSuccess reports whether the response code is 10000.
func (t *AccessToken) IsSuccess() bool {
	return t.code != nil && ErrorCode(*t.code) == CodeSuccess
}

// Code returns the response code and whether one was present.
func (t *AccessToken) Code() (int, bool) {
	if t.code == nil {
		return 0, false
	}
	return *t.code, true
}

func (t *AccessToken) Message() string    { return t.message }
func (t *AccessToken) SubCode() string    { return t.subCode }
func (t *AccessToken) SubMessage() string { return t.subMessage }
func (t *AccessToken) LogID() string      { return t.logID }

// Raw returns the response body the token was wrapped from.
func (t *AccessToken) Raw() json.RawMessage {
	return t.raw
}

// AccessToken returns the access token string.
func (t *AccessToken) AccessToken() string {
	if t.data == nil {
		return ""
	}
	return t.data.AccessToken
}

// RefreshToken returns the refresh token string.
func (t *AccessToken) RefreshToken() string {
	if t.data == nil {
		return ""
	}
	return t.data.RefreshToken
}

// ExpiresIn returns the token lifetime in seconds.
func (t *AccessToken) ExpiresIn() int64 {
	if t.data == nil {
		return 0
	}
	return t.data.ExpiresIn
}

func (t *AccessToken) Scope() string {
	if t.data == nil {
		return ""
	}
	return t.data.Scope
}

func (t *AccessToken) ShopID() string {
	if t.data == nil {
		return ""
	}
	return string(t.data.ShopID)
}

func (t *AccessToken) ShopName() string {
	if t.data == nil {
		return ""
	}
	return t.data.ShopName
}

func (t *AccessToken) ShopBizType() int {
	if t.data == nil {
		return 0
	}
	return t.data.ShopBizType
}

// Err returns the response as an *APIError when it was not successful.
func (t *AccessToken) Err() error {
	if t.IsSuccess() {
		return nil
	}
	code, _ := t.Code()
	return &APIError{
		Code:       ErrorCode(code),
		Message:    t.message,
		SubCode:    t.subCode,
		SubMessage: t.subMessage,
		LogID:      t.logID,
	}
}

// TokenKey identifies one shop's record within one client profile.
type TokenKey struct {
	Profile string
	ShopID  string
}

// NewTokenKey builds a key, defaulting the profile.
func NewTokenKey(profile, shopID string) TokenKey {
	if profile == "" {
		profile = DefaultProfile
	}
	return TokenKey{Profile: profile, ShopID: shopID}
}

// String returns "profile:shop".
func (k TokenKey) String() string {
	return k.Profile + ":" + k.ShopID
}

// ParseTokenKey is the inverse of String.
func ParseTokenKey(s string) (TokenKey, bool) {
	profile, shop, ok := strings.Cut(s, ":")
	if !ok || profile == "" || shop == "" {
		return TokenKey{}, false
	}
	return TokenKey{Profile: profile, ShopID: shop}, true
}

// TokenRecord is the persisted form of a shop's token pair.
// Times are unix seconds.
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	ShopID       string `json:"shop_id"`
	ShopName     string `json:"shop_name"`
	Scope        string `json:"scope"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// NewTokenRecord creates a record for a freshly issued token.
// shopID overrides the token's own shop id when not empty.
func NewTokenRecord(tok *AccessToken, shopID string, now time.Time) *TokenRecord {
	if shopID == "" {
		shopID = tok.ShopID()
	}
	ts := now.Unix()
	return &TokenRecord{
		AccessToken:  tok.AccessToken(),
		RefreshToken: tok.RefreshToken(),
		ExpiresIn:    tok.ExpiresIn(),
		ExpiresAt:    ts + tok.ExpiresIn(),
		ShopID:       shopID,
		ShopName:     tok.ShopName(),
		Scope:        tok.Scope(),
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}

// Refreshed returns a copy carrying a refreshed token. CreatedAt is kept.
func (r *TokenRecord) Refreshed(tok *AccessToken, now time.Time) *TokenRecord {
	ts := now.Unix()
	next := *r
	next.AccessToken = tok.AccessToken()
	next.RefreshToken = tok.RefreshToken()
	next.ExpiresIn = tok.ExpiresIn()
	next.ExpiresAt = ts + tok.ExpiresIn()
	next.UpdatedAt = ts
	if name := tok.ShopName(); name != "" {
		next.ShopName = name
	}
	if scope := tok.Scope(); scope != "" {
		next.Scope = scope
	}
	if next.CreatedAt == 0 {
		next.CreatedAt = ts
	}
	return &next
}

// IsExpired returns true once the access token has expired.
func (r *TokenRecord) IsExpired(now time.Time) bool {
	return r.ExpiresAt <= now.Unix()
}

// NeedsRefresh returns true if the token expires within buffer.
func (r *TokenRecord) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	return r.ExpiresAt <= now.Add(buffer).Unix()
}

// Summary returns the secret-free view of the record.
func (r *TokenRecord) Summary(now time.Time) ShopSummary {
	updated := r.UpdatedAt
	if updated == 0 {
		updated = r.CreatedAt
	}
	return ShopSummary{
		ShopID:       r.ShopID,
		ShopName:     r.ShopName,
		Scope:        r.Scope,
		AuthorizedAt: r.CreatedAt,
		UpdatedAt:    updated,
		ExpiresAt:    r.ExpiresAt,
		IsExpired:    r.IsExpired(now),
	}
}

// ShopSummary describes an authorized shop without its tokens.
type ShopSummary struct {
	ShopID       string `json:"shop_id"`
	ShopName     string `json:"shop_name"`
	Scope        string `json:"scope"`
	AuthorizedAt int64  `json:"authorized_at"`
	UpdatedAt    int64  `json:"updated_at"`
	ExpiresAt    int64  `json:"expires_at"`
	IsExpired    bool   `json:"is_expired"`
}

// WithExpiry recomputes IsExpired against now.
func (s ShopSummary) WithExpiry(now time.Time) ShopSummary {
	s.IsExpired = s.ExpiresAt <= now.Unix()
	return s
}
