package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"adhesion.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// authenticate resolves the bearer token into the caller identity. Requests
// without a valid token get 401.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.signer.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects authenticated callers that lack role with 403.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.UserIDFromContext(r.Context()); !ok {
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !auth.HasRole(r.Context(), role) {
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// user wraps h for any authenticated caller.
func (a *API) user(h http.HandlerFunc) http.Handler {
	return a.authenticate(h)
}

// admin wraps h for callers holding the admin role.
func (a *API) admin(h http.HandlerFunc) http.Handler {
	return a.authenticate(RequireRole(auth.RoleAdmin)(h))
}

// allowFor answers 403 unless the caller may act for memberID.
func allowFor(w http.ResponseWriter, r *http.Request, memberID string) bool {
	if auth.CanActFor(r.Context(), memberID) {
		return true
	}
	writeError(w, r, http.StatusForbidden, "forbidden")
	return false
}

func callerID(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
