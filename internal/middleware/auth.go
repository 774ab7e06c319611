package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/revisit/server/internal/auth"
)

type contextKey string

const adminClaimsKey contextKey = "admin_claims"

// AdminAuthMiddleware validates admin bearer tokens and attaches the
// claims to the request context.
func AdminAuthMiddleware(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), adminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdminClaims returns the admin claims attached by AdminAuthMiddleware.
func GetAdminClaims(ctx context.Context) (*auth.AdminClaims, bool) {
	c, ok := ctx.Value(adminClaimsKey).(*auth.AdminClaims)
	return c, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
