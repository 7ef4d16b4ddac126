package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// RefreshSecretLen is the length of a refresh token secret. 64 alphanumerics carry about 381 bits.
const RefreshSecretLen = 64

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Bytes at or above this are rejected so that b % 62 stays uniform.
const rejectAbove = 256 - 256%len(alphanumeric)

// GenerateRefreshSecret returns RefreshSecretLen alphanumeric characters from crypto/rand.
func GenerateRefreshSecret() (string, error) {
	return generateAlphanumeric(rand.Reader, RefreshSecretLen)
}

func generateAlphanumeric(r io.Reader, n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, alphanumeric[int(b)%len(alphanumeric)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// HashRefreshToken returns the hex SHA-256 of token. Only this value is persisted.
func HashRefreshToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// RefreshTokenFingerprint is the first 32 hex characters of the token hash, used in throttle keys and logs.
func RefreshTokenFingerprint(token string) string {
	return HashRefreshToken(token)[:32]
}
