package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminTokenExpiry = 1 * time.Hour

// AdminClaims are the claims carried by admin access tokens.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies admin access tokens.
type JWTService struct {
	secret   []byte
	adminKey string
}

// NewJWTService creates a new JWT service
func NewJWTService(secret, adminKey string) *JWTService {
	return &JWTService{
		secret:   []byte(secret),
		adminKey: adminKey,
	}
}

// ExchangeAdminKey verifies the configured admin API key and returns a
// short-lived admin access token.
func (s *JWTService) ExchangeAdminKey(apiKey string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.adminKey)) != 1 {
		return "", fmt.Errorf("invalid admin API key")
	}
	return s.signAdminToken()
}

func (s *JWTService) signAdminToken() (string, error) {
	now := time.Now()
	claims := &AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign admin token: %w", err)
	}

	return tokenString, nil
}

// VerifyToken verifies and parses an admin access token
func (s *JWTService) VerifyToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Role != "admin" {
		return nil, fmt.Errorf("not an admin token")
	}

	return claims, nil
}
