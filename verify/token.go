package verify

import (
	"crypto/rand"
	"fmt"
)

const tokenLen = 32

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GenerateToken returns a fresh verification token: 32 random ASCII letters,
// safe to paste into a comment without escaping anywhere.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	out := make([]byte, tokenLen)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}
