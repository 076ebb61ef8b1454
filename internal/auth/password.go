package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is enforced on registration, reset and change.
const MinPasswordLength = 8

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	return HashPasswordCost(password, bcrypt.DefaultCost)
}

// HashPasswordCost is HashPassword with an explicit bcrypt cost; tests use
// bcrypt.MinCost to stay fast.
func HashPasswordCost(password string, cost int) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// PasswordMatches compares plaintext password with stored hash.
func PasswordMatches(hash, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Fingerprint is a fast one-way digest for high-entropy values such as
// refresh tokens and one-time codes that are stored for later comparison.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// FingerprintMatches compares value against a stored fingerprint in constant time.
func FingerprintMatches(fingerprint, value string) bool {
	if fingerprint == "" || value == "" {
		return false
	}
	actual := Fingerprint(value)
	if len(actual) != len(fingerprint) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(fingerprint), []byte(actual)) == 1
}
