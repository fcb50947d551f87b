package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	PermRunsCreate  = "runs.create"
	PermRunsRead    = "runs.read"
	PermContextRead = "context.read"
	PermEventsRead  = "events.read"
)

var rolePermissions = map[string][]string{
	"viewer":   {PermRunsRead, PermContextRead, PermEventsRead},
	"designer": {PermRunsRead, PermContextRead, PermEventsRead, PermRunsCreate},
	"admin":    {PermRunsRead, PermContextRead, PermEventsRead, PermRunsCreate},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// KnownRole reports whether role grants any permissions.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Permissions expands roles and adds explicit permissions, sorted and unique.
func Permissions(roles, explicit []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	for _, p := range explicit {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Require returns ForbiddenError unless roles or explicit grant perm.
func Require(roles, explicit []string, perm string) error {
	for _, p := range Permissions(roles, explicit) {
		if p == perm {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}

// Claims are carried by API bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Issue signs an HS256 token for subject.
func Issue(secret, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	for _, r := range roles {
		if !KnownRole(r) {
			return "", fmt.Errorf("unknown role %q", r)
		}
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Parse validates an HS256 token and returns its claims.
func Parse(token, secret string) (Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return Claims{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("subject claim required")
	}
	return *claims, nil
}
