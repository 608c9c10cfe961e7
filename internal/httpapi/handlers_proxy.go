package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/dispatch"
	"github.com/relaygate/relaygate/internal/store"
)

// ProxyHandler forwards an authenticated request into the dispatcher. The
// upstream dialect follows the endpoint: /v1/messages speaks claude,
// everything else speaks codex.
func ProxyHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.FromContext(r.Context())
		if p == nil {
			jsonError(w, "unauthenticated", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			jsonError(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		d.Dispatcher.Handle(w, r, &dispatch.Request{
			Principal:    p,
			Body:         body,
			Header:       r.Header,
			Path:         r.URL.Path,
			ProviderType: providerTypeFor(r.URL.Path),
			UserAgent:    r.UserAgent(),
		})
	}
}

func providerTypeFor(path string) string {
	if strings.HasSuffix(path, "/messages") {
		return store.ProviderTypeClaude
	}
	return store.ProviderTypeCodex
}
