// ABOUTME: JWT verification for WebSocket clients connecting to the orchestrator.
// ABOUTME: HS256 with a shared secret; tokens carry the client id and a role claim.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Role distinguishes what kind of client presented a token.
type Role string

const (
	// RoleOperator is a human or tool driving the orchestrator.
	RoleOperator Role = "operator"
	// RoleAgent is a spawned agent process reporting back.
	RoleAgent Role = "agent"
)

// Identity is the authenticated client extracted from a token.
type Identity struct {
	ClientID string
	Role     Role
}

// Verifier validates bearer tokens presented on connection upgrade.
type Verifier interface {
	Verify(tokenString string) (Identity, error)
}

// JWTVerifier implements Verifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token signature and expiry and extracts the client
// identity. The "sub" claim is required; "role" defaults to operator.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	id := Identity{ClientID: sub, Role: RoleOperator}
	if role, ok := claims["role"].(string); ok && role != "" {
		id.Role = Role(role)
	}
	return id, nil
}

// Generate mints a token for the given identity, expiring after expiresIn.
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  id.ClientID,
		"role": string(id.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
