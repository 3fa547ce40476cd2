package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/goliatone/go-payhooks/core"
)

type Verifier interface {
	Verify(rawBody []byte, signature string) bool
}

// HMACVerifier checks an HMAC-SHA256 over the exact bytes received.
type HMACVerifier struct {
	secret   []byte
	encoding string
	prefix   string
}

type VerifierOption func(*HMACVerifier)

// WithSignaturePrefix strips a scheme prefix such as "sha256=" before decoding.
func WithSignaturePrefix(prefix string) VerifierOption {
	return func(v *HMACVerifier) {
		v.prefix = strings.TrimSpace(prefix)
	}
}

func NewHMACVerifier(secret string, encoding string, opts ...VerifierOption) (*HMACVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, core.ErrMissingSecret
	}
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "" {
		encoding = core.SignatureEncodingHex
	}
	v := &HMACVerifier{secret: []byte(secret), encoding: encoding}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

func (v *HMACVerifier) Verify(rawBody []byte, signature string) bool {
	if v == nil || len(v.secret) == 0 {
		return false
	}
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), v.prefix))
	if signature == "" {
		return false
	}

	var (
		decoded []byte
		err     error
	)
	switch v.encoding {
	case core.SignatureEncodingBase64:
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(strings.ToLower(signature))
	}
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(decoded, v.mac(rawBody)) == 1
}

// Sign returns the encoded signature for rawBody. Gateway simulators and
// tests use it; production traffic only verifies.
func (v *HMACVerifier) Sign(rawBody []byte) string {
	if v == nil {
		return ""
	}
	sum := v.mac(rawBody)
	if v.encoding == core.SignatureEncodingBase64 {
		return v.prefix + base64.StdEncoding.EncodeToString(sum)
	}
	return v.prefix + hex.EncodeToString(sum)
}

func (v *HMACVerifier) mac(rawBody []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write(rawBody)
	return mac.Sum(nil)
}

var _ Verifier = (*HMACVerifier)(nil)
