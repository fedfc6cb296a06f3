package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/kibble/internal/auth"
)

// MaxWebhookBody caps the size of a signed request body.
const MaxWebhookBody = 1 << 20

// RequireSignature rejects requests whose body is not signed with signer.
// The body is buffered and handed on unchanged.
func RequireSignature(signer auth.WebhookSigner, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody+1))
			if err != nil {
				http.Error(w, "could not read body", http.StatusBadRequest)
				return
			}
			if len(body) > MaxWebhookBody {
				http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
				return
			}

			if err := signer.Verify(r.Header.Get(auth.SignatureHeader), body, now()); err != nil {
				hlog.FromRequest(r).Warn().Err(err).Str("path", r.URL.Path).Msg("webhook signature rejected")
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
