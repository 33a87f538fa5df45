package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Scopes оператора API
const (
	ScopeIngest   = "events.write"
	ScopeRead     = "read"
	ScopeRespond  = "actions.write"
	ScopeHoneypot = "honeypots.write"
)

type CustomClaims struct {
	OperatorID string          `json:"operator_id"`
	Scopes     map[string]bool `json:"scopes"` // "read": true, "actions.write": true
	jwt.RegisteredClaims
}

// HasScope — "admin" открывает все.
func (c *CustomClaims) HasScope(scope string) bool {
	return c.Scopes["admin"] || c.Scopes[scope]
}
