package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service signs and validates HS256 bearer tokens
type Service struct {
	secretKey []byte
	expiry    time.Duration
	issuer    string
	now       func() time.Time
}

// NewService creates a new JWT service
func NewService(secretKey string, expiry time.Duration, issuer string) *Service {
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	return &Service{
		secretKey: []byte(secretKey),
		expiry:    expiry,
		issuer:    issuer,
		now:       time.Now,
	}
}

// GenerateToken issues a token for the user
func (s *Service) GenerateToken(userID string) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
}

// ValidateToken validates a token and returns its claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return parse(tokenString, s.secretKey, s.issuer)
}
