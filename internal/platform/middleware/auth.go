package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	dErrors "confconnect/pkg/domain-errors"
	"confconnect/pkg/platform/httputil"
	"confconnect/pkg/requestcontext"
)

// UserIDHeader carries the caller's identity, set by the upstream gateway
// after authentication.
const UserIDHeader = "X-User-ID"

// GetUserID retrieves the authenticated user ID from the context.
func GetUserID(r *http.Request) string {
	return requestcontext.UserID(r.Context())
}

// RequireUser rejects requests without a caller identity and stores the
// identity in the request context.
func RequireUser(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if userID == "" {
				ctx := r.Context()
				logger.WarnContext(ctx, "unauthorized access - missing caller identity",
					"request_id", requestcontext.RequestID(ctx),
					"path", r.URL.Path,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing "+UserIDHeader+" header"))
				return
			}
			ctx := requestcontext.WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
