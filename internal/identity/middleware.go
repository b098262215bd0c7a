package identity

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/starbase-chat/mcpbridge/internal/storage"
)

type contextKey struct{}

var ownerKey contextKey

// OwnerFromContext returns the Owner resolved by Middleware for the request.
func OwnerFromContext(ctx context.Context) (storage.Owner, bool) {
	owner, ok := ctx.Value(ownerKey).(storage.Owner)
	return owner, ok
}

// WithOwner stores an Owner on the context, for tests and internal callers.
func WithOwner(ctx context.Context, owner storage.Owner) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// Middleware resolves an Owner for each request. An X-User-ID header wins;
// otherwise the session cookie is verified, and if absent or invalid a new
// anonymous session is minted and set on the response.
func Middleware(sessions *Sessions, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID := r.Header.Get(UserIDHeader); userID != "" {
				next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), storage.UserOwner(userID))))
				return
			}

			if cookie, err := r.Cookie(SessionCookieName); err == nil {
				if sessionID, err := sessions.Verify(cookie.Value); err == nil {
					next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), storage.AnonymousOwner(sessionID))))
					return
				}
				logger.Debugw("Discarding invalid session cookie")
			}

			sessionID, token, err := sessions.Mint()
			if err != nil {
				logger.Errorw("Failed to mint anonymous session", "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			http.SetCookie(w, sessions.Cookie(token))
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), storage.AnonymousOwner(sessionID))))
		})
	}
}
