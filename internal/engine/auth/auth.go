// Package auth issues and checks the bearer tokens used by operators and workers.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeAll           = "*"
	ScopeAgentsRead    = "agents:read"
	ScopeSessionsRead  = "sessions:read"
	ScopeSessionsWrite = "sessions:write"
	ScopeInboxRead     = "inbox:read"
	ScopeInboxWrite    = "inbox:write"
	ScopeEventsRead    = "events:read"
)

// ForbiddenError indicates a missing scope.
type ForbiddenError struct {
	Scope string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("scope %s required", e.Scope)
}

// Claims is the JWT payload. Worker tokens carry the session they were issued to.
type Claims struct {
	jwt.RegisteredClaims
	Scopes    []string `json:"scopes,omitempty"`
	Project   string   `json:"project,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

type TokenOptions struct {
	Scopes    []string
	Project   string
	SessionID string
	TTL       time.Duration
	Now       func() time.Time
}

// IssueToken signs an HS256 token for subject.
func IssueToken(secret, subject string, opts TokenOptions) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	issued := now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(issued),
		},
		Scopes:    opts.Scopes,
		Project:   opts.Project,
		SessionID: opts.SessionID,
	}
	if opts.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(issued.Add(opts.TTL))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates signature, algorithm and expiry.
func ParseToken(token, secret string) (*Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return claims, nil
}

func HasScope(granted []string, want string) bool {
	for _, s := range granted {
		if s == ScopeAll || s == want {
			return true
		}
	}
	return false
}

// KnownScope reports whether scope is one the API checks.
func KnownScope(scope string) bool {
	switch scope {
	case ScopeAll, ScopeAgentsRead, ScopeSessionsRead, ScopeSessionsWrite, ScopeInboxRead, ScopeInboxWrite, ScopeEventsRead:
		return true
	}
	return false
}

func Require(granted []string, want string) error {
	if HasScope(granted, want) {
		return nil
	}
	return ForbiddenError{Scope: want}
}

// WorkerScopes is what a spawned worker may do with its own token.
func WorkerScopes(canSpawn bool) []string {
	scopes := []string{ScopeAgentsRead, ScopeSessionsRead, ScopeInboxRead, ScopeInboxWrite}
	if canSpawn {
		scopes = append(scopes, ScopeSessionsWrite)
	}
	return scopes
}
