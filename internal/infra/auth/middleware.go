package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xela07ax/agent-lifecycle/internal/domain"
	"go.uber.org/zap"
)

// ScopeLifecycleWrite — право на мутации контура (заявки, вывод, старт/стоп).
const (
	ScopeLifecycleWrite = domain.ScopeLifecycleWrite
	ScopeAdmin          = domain.ScopeAdmin
)

type ctxKey int

const (
	ctxKeyScopes ctxKey = iota
	ctxKeyUserID
)

// TokenValidator — проверка Bearer-токена вызывающего.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// NewMiddleware проверяет токен и кладет идентичность вызывающего в контекст.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err), zap.String("path", r.URL.Path))
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyScopes, claims.Scopes)
			ctx = context.WithValue(ctx, ctxKeyUserID, claims.Operator())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope пропускает запрос, только если права вызывающего его покрывают.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ScopesFromContext(r.Context()).Allows(scope) {
				writeAuthError(w, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ScopesFromContext(ctx context.Context) domain.ScopeSet {
	s, _ := ctx.Value(ctxKeyScopes).(domain.ScopeSet)
	return s
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func writeAuthError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}
