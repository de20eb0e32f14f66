// Package auth issues and verifies the signed bearer tokens which
// authenticate Teleportal connections, and evaluates the per-document
// access patterns those tokens carry.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the fixed `aud` claim of every Teleportal token.
const Audience = "teleportal"

// Permission names a capability on a document. Admin satisfies any
// required permission.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// AccessEntry grants or denies a set of permissions on documents
// matching Pattern. A leading '!' denies.
type AccessEntry struct {
	Pattern     string       `json:"pattern"`
	Permissions []Permission `json:"permissions"`
}

// Claims is the token claim set. UserID and Room scope the connection;
// DocumentAccess drives the permission evaluator.
type Claims struct {
	UserID         string        `json:"userId"`
	Room           string        `json:"room"`
	DocumentAccess []AccessEntry `json:"documentAccess,omitempty"`
	jwt.RegisteredClaims
}

// Context keys under which verified claims travel with each message.
const (
	ContextUserID = "userId"
	ContextRoom   = "room"
)

var (
	// ErrInvalidToken wraps all verification failures.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Issuer signs tokens with a shared HS256 secret.
type Issuer struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Sign issues a token for userID in room with the given document access.
func (i *Issuer) Sign(userID, room string, access []AccessEntry) (string, error) {
	var now = time.Now()
	var claims = &Claims{
		UserID:         userID,
		Room:           room,
		DocumentAccess: access,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.TTL)),
		},
	}
	var token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verifier checks token signatures, issuer, audience, and expiry.
type Verifier struct {
	Secret []byte
	Issuer string
}

// Verify parses and validates a token, returning its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	var claims = new(Claims)
	var _, err = jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return v.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	return claims, nil
}
