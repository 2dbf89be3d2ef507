package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"sqllab/internal/domain"
)

// Authenticate validates the bearer token of every request and stores the
// resulting domain.ContextPrincipal in the request context. Requests without
// a valid token get 401.
func Authenticate(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			claims, err := validator.Validate(r.Context(), token)
			if err != nil {
				logger.Debug("rejected token", "error", err, "request_id", RequestIDFromContext(r.Context()))
				writeUnauthorized(w, "invalid bearer token")
				return
			}
			userID, err := claims.UserID()
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}

			p := domain.ContextPrincipal{UserID: userID, Username: claims.Subject, IsAdmin: claims.IsAdmin()}
			if claims.Email != nil {
				p.Username = *claims.Email
			}
			next.ServeHTTP(w, r.WithContext(domain.WithPrincipal(r.Context(), p)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusUnauthorized, "unauthorized: "+msg)
}
