package services

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTService signs and verifies the HS256 bearer tokens that protect the
// operational API (manual sweep trigger, policy writes).
type JWTService struct {
	secret []byte
}

func NewJWTService(secret string) *JWTService {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	return &JWTService{secret: []byte(secret)}
}

// GenerateToken issues a token for a subject with the given lifetime.
func (s *JWTService) GenerateToken(subject string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("JWT secret not configured")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken verifies a token and returns its subject.
func (s *JWTService) ValidateToken(tokenString string) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("JWT secret not configured")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return subject, nil
}

// ExtractTokenFromHeader pulls the bearer token out of an Authorization header.
func (s *JWTService) ExtractTokenFromHeader(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("authorization header must be of the form 'Bearer <token>'")
	}
	return parts[1], nil
}
