package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost   = 12
	APIKeyLength = 24
)

// GenerateAPIKey returns a new random site credential in plaintext. Only the
// hash is ever persisted.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, APIKeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func HashAPIKey(key string) (string, error) {
	if len(key) < APIKeyLength {
		return "", fmt.Errorf("api key must be at least %d characters long", APIKeyLength)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func CheckAPIKey(hashedKey string, key string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashedKey), []byte(key))
	return err == nil
}
