// Package random provides the random identifier source used for nonces,
// message-bus client ids, and installation client ids.
package random

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Source produces random hex strings. It is injected wherever identifiers
// are minted so tests can substitute a deterministic implementation.
type Source interface {
	Hex(byteLength int) (string, error)
}

type cryptoSource struct{}

// NewSource returns a Source backed by crypto/rand.
func NewSource() Source {
	return cryptoSource{}
}

func (cryptoSource) Hex(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", fmt.Errorf("byte length must be positive")
	}
	bytes := make([]byte, byteLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
