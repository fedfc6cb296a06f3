package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"go.trai.ch/zerr"
)

// SignatureHeader carries the webhook signature: "t=<unix>,v1=<mac>".
const SignatureHeader = "X-Kibble-Signature"

// DefaultMaxSkew bounds how old a signed request may be.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrMissing = zerr.New("missing signature")
	ErrBadSig  = zerr.New("invalid signature")
	ErrExpired = zerr.New("signature expired")
	ErrBadForm = zerr.New("malformed signature")
)

// WebhookSigner signs and verifies invalidation webhooks with HMAC-SHA256
// over "<timestamp>.<body>".
type WebhookSigner struct {
	Secret  []byte
	MaxSkew time.Duration
}

func (s WebhookSigner) mac(ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the header value for body sent at ts.
func (s WebhookSigner) Sign(body []byte, ts time.Time) string {
	unix := ts.Unix()
	sig := base64.RawURLEncoding.EncodeToString(s.mac(unix, body))
	return "t=" + strconv.FormatInt(unix, 10) + ",v1=" + sig
}

// decodeURLB64 accepts raw and padded URL-safe base64.
func decodeURLB64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// Verify checks header against body at time now.
func (s WebhookSigner) Verify(header string, body []byte, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissing
	}

	var (
		ts  int64
		sig []byte
		err error
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrBadForm
		}
		switch k {
		case "t":
			if ts, err = strconv.ParseInt(v, 10, 64); err != nil {
				return ErrBadForm
			}
		case "v1":
			if sig, err = decodeURLB64(v); err != nil {
				return ErrBadForm
			}
		}
	}
	if ts == 0 || len(sig) == 0 {
		return ErrBadForm
	}

	if !hmac.Equal(sig, s.mac(ts, body)) {
		return ErrBadSig
	}

	skew := s.MaxSkew
	if skew <= 0 {
		skew = DefaultMaxSkew
	}
	sent := time.Unix(ts, 0)
	if now.Sub(sent) > skew || sent.Sub(now) > skew {
		return ErrExpired
	}
	return nil
}
