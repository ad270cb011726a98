package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// NewUUID returns a random 128-bit identifier as lowercase hex.
func NewUUID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
