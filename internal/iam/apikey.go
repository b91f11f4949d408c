package iam

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// APIKeyPrefix marks raw keys so secret scanners can recognise them.
	APIKeyPrefix = "idr_"

	apiKeySecretBytes   = 48
	apiKeyDisplayPrefix = 12
)

// GeneratedAPIKey carries the raw secret together with the values that
// get persisted. The raw secret is shown once and never stored.
type GeneratedAPIKey struct {
	Raw    string
	Hash   string
	Prefix string
}

// APIKeyCodec derives and digests raw API keys. Hashing is an
// unsalted SHA-256 because the input is high-entropy random material,
// not a human secret.
type APIKeyCodec struct{}

// Generate mints a new raw key with its digest and display prefix.
func (APIKeyCodec) Generate() (GeneratedAPIKey, error) {
	buf := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return GeneratedAPIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	raw := APIKeyPrefix + hex.EncodeToString(buf)
	return GeneratedAPIKey{
		Raw:    raw,
		Hash:   HashAPIKey(raw),
		Prefix: raw[:apiKeyDisplayPrefix],
	}, nil
}

// HashAPIKey digests a raw key for storage and lookup.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
