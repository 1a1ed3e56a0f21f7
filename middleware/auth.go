package middleware

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/brandur/newsletter/auth"
)

// sessionCookieName is the cookie auth.SessionStore's id is read from and
// written to.
const sessionCookieName = "session_id"

type contextKey int

const userIDContextKey contextKey = iota

// RequireUserMiddleware rejects any request without a valid session cookie,
// redirecting to the login page. Grounded on the same
// Wrapper(next http.Handler) http.Handler shape as
// MaintenanceModeMiddleware, generalized from an always-on gate to one that
// consults auth.SessionStore per request.
type RequireUserMiddleware struct {
	sessions *auth.SessionStore
}

func NewRequireUserMiddleware(sessions *auth.SessionStore) *RequireUserMiddleware {
	return &RequireUserMiddleware{sessions: sessions}
}

func (m *RequireUserMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		session, found, err := m.sessions.Get(r.Context(), cookie.Value)
		if err != nil {
			logrus.Errorf("Error reading session: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, session.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the authenticated user id set by
// RequireUserMiddleware, or "" if none is present.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDContextKey).(string)
	return userID
}
