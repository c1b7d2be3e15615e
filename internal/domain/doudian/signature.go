package doudian

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// SignMethod selects the digest used for SPI signatures.
type SignMethod int

// Supported SPI sign methods.
const (
	SignMethodMD5        SignMethod = 1
	SignMethodHMACSHA256 SignMethod = 2
)

// ParseSignMethod accepts the names and numeric values the platform sends.
// Unknown values fall back to MD5.
func ParseSignMethod(s string) SignMethod {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hmac-sha256", "hmac_sha256", "2":
		return SignMethodHMACSHA256
	default:
		return SignMethodMD5
	}
}

// Sign computes the request signature for an open API call.
// Base string: secret + app_key{key}method{method}param_json{json}timestamp{ts}v2 + secret
func Sign(appKey, appSecret, method string, timestamp int64, paramJSON string) string {
	var b strings.Builder
	b.WriteString(appSecret)
	b.WriteString("app_key")
	b.WriteString(appKey)
	b.WriteString("method")
	b.WriteString(method)
	b.WriteString("param_json")
	b.WriteString(paramJSON)
	b.WriteString("timestamp")
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteString("v2")
	b.WriteString(appSecret)
	return hmacSHA256Hex(appSecret, b.String())
}

// SPISign computes the signature the platform attaches to SPI calls.
// Base string: secret + app_key{key}param_json{json}timestamp{ts} + secret
func SPISign(appKey, appSecret string, timestamp int64, paramJSON string, method SignMethod) string {
	var b strings.Builder
	b.WriteString(appSecret)
	b.WriteString("app_key")
	b.WriteString(appKey)
	b.WriteString("param_json")
	b.WriteString(paramJSON)
	b.WriteString("timestamp")
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteString(appSecret)

	if method == SignMethodHMACSHA256 {
		return hmacSHA256Hex(appSecret, b.String())
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// MethodFromPath maps an API path to its method name, e.g.
// "/token/create" becomes "token.create".
func MethodFromPath(path string) string {
	if path == "" {
		return path
	}
	return strings.ReplaceAll(strings.TrimLeft(path, "/"), "/", ".")
}

// Signature bundles one application's credentials.
type Signature struct {
	appKey    string
	appSecret string
}

// NewSignature creates a new Signature utility.
func NewSignature(appKey, appSecret string) *Signature {
	return &Signature{appKey: appKey, appSecret: appSecret}
}

// AppKey returns the application key.
func (s *Signature) AppKey() string {
	return s.appKey
}

// Sign signs an outbound call.
func (s *Signature) Sign(method string, timestamp int64, paramJSON string) string {
	return Sign(s.appKey, s.appSecret, method, timestamp, paramJSON)
}

// SPISign signs an SPI payload with this application's credentials.
func (s *Signature) SPISign(timestamp int64, paramJSON string, method SignMethod) string {
	return SPISign(s.appKey, s.appSecret, timestamp, paramJSON, method)
}

// VerifySPI checks a signature attached to an inbound SPI call.
func (s *Signature) VerifySPI(timestamp int64, paramJSON string, method SignMethod, provided string) bool {
	if provided == "" {
		return false
	}
	expected := s.SPISign(timestamp, paramJSON, method)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

// VerifyCallback verifies the sign parameter of an authorization callback.
// The remaining parameters are sorted by key and concatenated as key+value
// before signing with HMAC-SHA256.
func (s *Signature) VerifyCallback(params map[string]string) bool {
	provided, ok := params["sign"]
	if !ok || provided == "" {
		return false
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sign" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}

	expected := hmacSHA256Hex(s.appSecret, b.String())
	return hmac.Equal([]byte(expected), []byte(provided))
}

func hmacSHA256Hex(key, data string) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
