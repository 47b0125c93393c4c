package domain

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Права консоли жизненного цикла.
const (
	ScopeLifecycleRead  = "lifecycle:read"
	ScopeLifecycleWrite = "lifecycle:write"
	ScopeLifecycleAll   = "lifecycle:*"
	ScopeAdmin          = "admin"
)

// ScopeSet — выданные права. В JSON это объект {"lifecycle:write": true}.
type ScopeSet map[string]bool

// Allows: точное совпадение, admin или lifecycle:* для любого права lifecycle:.
func (s ScopeSet) Allows(scope string) bool {
	if s[scope] || s[ScopeAdmin] {
		return true
	}
	return s[ScopeLifecycleAll] && strings.HasPrefix(scope, "lifecycle:")
}

// CustomClaims — токен оператора: кто вызывает и какие мутации контура ему доступны.
type CustomClaims struct {
	UserID string   `json:"user_id"`
	Scopes ScopeSet `json:"scopes"`
	jwt.RegisteredClaims
}

// Operator — идентичность для журналов: user_id, иначе subject.
func (c *CustomClaims) Operator() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

type User struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"` // Никогда не отправляем на фронт
	Role         string          `json:"role"`
	Scopes       ScopeSet        `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
