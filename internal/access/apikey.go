package access

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HTTPPassCheck is the fixed ASCII tag mixed into API-key derivation.
// Clients derive the same key from the secret they were provisioned
// with, so the value must stay stable across versions.
const HTTPPassCheck = "nimbus-http-pass-check-v1"

// apiKeyLen is the length of the derived API key in raw bytes.
const apiKeyLen = 32

// DeriveAPIKey derives the HTTP API key from the server secret via
// HKDF-SHA256 bound to HTTPPassCheck.
func DeriveAPIKey(serverSecret []byte) (string, error) {
	reader := hkdf.New(sha256.New, serverSecret, nil, []byte(HTTPPassCheck))

	key := make([]byte, apiKeyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return "", fmt.Errorf("derive api key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
