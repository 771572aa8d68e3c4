// Package control provides the control API's authentication middleware
// and its thin device-ownership and share handlers. RequireAPIKey
// authenticates via API keys hashed at rest, updating last_used_at on
// every validation, and stamps the authorized owner into the request
// context; DeviceOwnerHandler and ShareHandler consume that context to
// scope device ownership assignment and share grants to the
// authenticated caller.
package control

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cjserio/nolongerevil/internal/model"
)

type contextKey int

const ownerContextKey contextKey = iota

// apiKeyHeader is the bearer-style header control-API callers present
// their key in, e.g. "Authorization: Bearer <raw key>".
const apiKeyHeader = "Authorization"
const bearerPrefix = "Bearer "

// OwnerFromContext returns the owner ID of the API key that authorized
// the request, if RequireAPIKey admitted it.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerContextKey).(string)
	return owner, ok
}

// RequireAPIKey rejects requests without a valid API key and stamps the
// authorized owner ID into the request context for downstream handlers.
// A successful validation always calls TouchLastUsed to record
// last_used_at; if that call fails, the failure is logged and the
// otherwise-valid request still proceeds rather than becoming a 401.
func RequireAPIKey(keys model.APIKeyStore, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractKey(r)
			if raw == "" {
				http.Error(w, "missing api key", http.StatusUnauthorized)
				return
			}
			key, ok, err := keys.Validate(raw)
			if err != nil {
				logger.WithError(err).Error("api key validation failed")
				http.Error(w, "api key validation failed", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			if err := keys.TouchLastUsed(key.ID, time.Now().UnixMilli()); err != nil {
				logger.WithError(err).WithField("key_id", key.ID).Warn("failed to record api key use")
			}
			ctx := context.WithValue(r.Context(), ownerContextKey, key.OwnerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractKey(r *http.Request) string {
	if v := r.Header.Get(apiKeyHeader); v != "" {
		if strings.HasPrefix(v, bearerPrefix) {
			return strings.TrimPrefix(v, bearerPrefix)
		}
		return v
	}
	return r.Header.Get("X-Api-Key")
}
