// internal/utils/crypto.go
package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// randomHex returns length hex characters from the system CSPRNG.
func randomHex(length int) (string, error) {
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf)[:length], nil
}

func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func HashBytes(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey mints a merchant credential. The prefix makes a leaked key
// recognizable in logs and support tickets.
func GenerateAPIKey() (string, error) {
	suffix, err := randomHex(40)
	if err != nil {
		return "", err
	}
	return "cp_" + suffix, nil
}

func GenerateWebhookSecret() (string, error) {
	suffix, err := randomHex(48)
	if err != nil {
		return "", err
	}
	return "whsec_" + suffix, nil
}
