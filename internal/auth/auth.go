// Package auth issues and validates the HMAC-signed JWTs that authenticate
// plugins at the HTTP ingress, nodes at the uplink, and operators at the
// admin endpoints.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is set on every token and required on validation.
const Issuer = "waggle-router"

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

var (
	// ErrEmptySubject is returned when generating a token without a subject.
	ErrEmptySubject = errors.New("subject cannot be empty")
	// ErrEmptyToken is returned when validating an empty token.
	ErrEmptyToken = errors.New("token cannot be empty")
	// ErrInvalidToken wraps every signature, expiry and claim failure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrForbidden is returned when a valid token carries the wrong role.
	ErrForbidden = errors.New("role not permitted")
	// ErrUnknownRole is returned for roles other than plugin, node and admin.
	ErrUnknownRole = errors.New("unknown role")
)

// Role is what a token's subject is allowed to do.
type Role string

const (
	// RolePlugin tokens carry a plugin credential as subject and may
	// publish at the ingress.
	RolePlugin Role = "plugin"
	// RoleNode tokens carry a node ID as subject and may push uplink.
	RoleNode Role = "node"
	// RoleAdmin tokens may issue other tokens.
	RoleAdmin Role = "admin"
)

// ParseRole converts a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePlugin, RoleNode, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Claims represents the JWT token claims. The subject is the authenticated
// identity: a plugin credential, a node ID or an operator name.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuth handles JWT token creation and validation
type JWTAuth struct {
	secretKey []byte
	ttl       time.Duration
}

// NewJWTAuth creates a new JWT authentication handler. A non-positive ttl
// selects DefaultTTL.
func NewJWTAuth(secretKey string, ttl time.Duration) *JWTAuth {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &JWTAuth{
		secretKey: []byte(secretKey),
		ttl:       ttl,
	}
}

// GenerateToken creates a signed token for subject acting as role.
func (j *JWTAuth) GenerateToken(subject string, role Role) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, ErrEmptySubject
	}
	if _, err := ParseRole(string(role)); err != nil {
		return "", time.Time{}, err
	}

	now := time.Now()
	expiresAt := now.Add(j.ttl)

	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims. A "Bearer "
// prefix is accepted.
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrEmptyToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return j.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrEmptySubject)
	}
	if _, err := ParseRole(string(claims.Role)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	return claims, nil
}

// Authorize validates tokenString and checks its role is one of roles.
func (j *JWTAuth) Authorize(tokenString string, roles ...Role) (*Claims, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(roles, claims.Role) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, claims.Role)
	}
	return claims, nil
}
