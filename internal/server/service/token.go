package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes gives the token 128 bits of entropy, which makes guessing a
// live share link computationally infeasible. The registry's uniqueness
// constraint remains the hard backstop against collisions.
const tokenBytes = 16

// generateToken produces a cryptographically random, URL-safe share token.
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
