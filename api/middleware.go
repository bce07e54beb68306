/*
middleware.go - Authentication middleware

PURPOSE:
  Extracts the bearer token from incoming requests, validates it, and
  binds the authenticated member id to the request context. Payment
  endpoints read the id back with MemberFromContext so a caller can
  only ever act as themselves.

SEE ALSO:
  - auth/jwt.go: Token validation
  - server.go: Where the middleware is mounted
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/crewshare/settlement-engine/auth"
	"github.com/crewshare/settlement-engine/ledger"
)

type contextKey string

const memberContextKey contextKey = "member_id"

// RequireAuth rejects requests without a valid bearer token and stores
// the token's member id in the request context.
func RequireAuth(jwtManager *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, "Authorization required", auth.ErrMissingToken)
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, "Authorization header must be a bearer token", nil)
				return
			}

			claims, err := jwtManager.Validate(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid or expired token", err)
				return
			}

			ctx := context.WithValue(r.Context(), memberContextKey, ledger.MemberID(claims.MemberID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MemberFromContext returns the authenticated member id, if any.
func MemberFromContext(ctx context.Context) (ledger.MemberID, bool) {
	id, ok := ctx.Value(memberContextKey).(ledger.MemberID)
	return id, ok
}
