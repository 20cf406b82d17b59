package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forgeci/forge/internal/config"
)

var ErrInvalidToken = errors.New("invalid token")

// Service issues and validates worker session tokens. A token binds an
// HTTP caller to one worker id; it says nothing about which builds the
// worker may touch, ownership is checked per operation.
type Service struct {
	config *config.AuthConfig
}

type Claims struct {
	WorkerID string `json:"worker_id"`
	jwt.RegisteredClaims
}

func NewService(config *config.AuthConfig) *Service {
	return &Service{config: config}
}

func (s *Service) IssueWorkerToken(workerID string, now time.Time) (string, error) {
	claims := &Claims{
		WorkerID: workerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   workerID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.JWTSecret))
}

func (s *Service) ValidateWorkerToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.WorkerID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
