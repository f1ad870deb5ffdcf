package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/invgrid/sitesync/internal/repositories"
	"github.com/invgrid/sitesync/internal/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid token")
)

// OperatorClaims identifies the operator behind a bearer token.
type OperatorClaims struct {
	Email string
	Role  string
}

// OperatorAuth issues and verifies the bearer tokens protecting the
// operator API. Operators are rows in the replicated users entity.
type OperatorAuth struct {
	records   repositories.RecordStore
	jwtSecret string
	jwtExpiry time.Duration
}

func NewOperatorAuth(records repositories.RecordStore, jwtSecret string, jwtExpiry time.Duration) *OperatorAuth {
	return &OperatorAuth{records: records, jwtSecret: jwtSecret, jwtExpiry: jwtExpiry}
}

func (a *OperatorAuth) Login(ctx context.Context, email, password string) (string, time.Time, error) {
	user, err := a.records.FindByNaturalKey(ctx, "users", "email", email)
	if errors.Is(err, repositories.ErrNotFound) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to look up user: %w", err)
	}
	if user.IsDeleted {
		return "", time.Time{}, ErrInvalidCredentials
	}

	hashed, _ := user.Fields["hashed_password"].(string)
	if hashed == "" || !utils.CheckPassword(hashed, password) {
		return "", time.Time{}, ErrInvalidCredentials
	}

	role, _ := user.Fields["role"].(string)
	expiresAt := time.Now().Add(a.jwtExpiry)
	claims := jwt.MapClaims{
		"sub":  email,
		"role": role,
		"exp":  expiresAt.Unix(),
		"iat":  time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.jwtSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (a *OperatorAuth) VerifyToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	email, ok := claims["sub"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	role, _ := claims["role"].(string)
	return &OperatorClaims{Email: email, Role: role}, nil
}
