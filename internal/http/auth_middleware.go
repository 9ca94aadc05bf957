package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/edgelogger/pkg/jwt"
)

type authContextKey string

const contextKeyClaims authContextKey = "edgelogger-query-claims"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth validates the bearer token when a secret is configured. Without
// a secret the query API is open.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.jwtSecret == "" {
			next(w, req)
			return
		}
		token, err := requestToken(req)
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := jwt.Parse(token, r.jwtSecret)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyClaims, claims)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// authorizeMachine rejects scoped tokens reading another machine's data.
func (r *Router) authorizeMachine(w http.ResponseWriter, req *http.Request, machineID string) bool {
	claims, ok := claimsFromContext(req.Context())
	if !ok || claims.Allows(machineID) {
		return true
	}
	r.logger.Warn("token scope mismatch", "path", req.URL.Path, "scope_machine_id", claims.MachineID, "machine_id", machineID)
	writeError(w, http.StatusForbidden, "token not valid for this machine")
	return false
}

func claimsFromContext(ctx context.Context) (*jwt.Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(*jwt.Claims)
	return claims, ok && claims != nil
}

// requestToken reads the bearer token, falling back to the token query
// parameter for websocket clients that cannot set headers.
func requestToken(req *http.Request) (string, error) {
	header := req.Header.Get("Authorization")
	if strings.TrimSpace(header) == "" {
		if token := strings.TrimSpace(req.URL.Query().Get("token")); token != "" && req.URL.Path == "/ws/logs" {
			return token, nil
		}
	}
	return bearerToken(header)
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
