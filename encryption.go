package crawlerkit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// EncryptedBackend wraps a SnapshotBackend with AES-256-GCM encryption at
// rest. Each object is stored as nonce followed by ciphertext.
//
//	key, _ := ParseEncryptionKey(os.Getenv("SNAPSHOT_KEY"))
//	backend, _ := NewEncryptedBackend(s3Backend, key)
//	snap := NewSnapshot(backend, logger)
type EncryptedBackend struct {
	SnapshotBackend
	aead cipher.AEAD
}

// NewEncryptedBackend requires a 32-byte key.
func NewEncryptedBackend(backend SnapshotBackend, key []byte) (*EncryptedBackend, error) {
	if len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "EncryptionKey",
			"actual": len(key),
			"reason": "AES-256 requires a 32-byte key",
		})
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &EncryptedBackend{SnapshotBackend: backend, aead: aead}, nil
}

// ParseEncryptionKey decodes a base64 (standard or URL alphabet) key.
func ParseEncryptionKey(encoded string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
		"field":  "EncryptionKey",
		"reason": "must be base64",
	})
}

// Read decrypts after retrieving.
func (e *EncryptedBackend) Read(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.SnapshotBackend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := e.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", key, err)
	}
	return plain, nil
}

// Write encrypts before storing.
func (e *EncryptedBackend) Write(ctx context.Context, key string, data []byte) error {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	return e.SnapshotBackend.Write(ctx, key, e.aead.Seal(nonce, nonce, data, nil))
}

func (e *EncryptedBackend) open(sealed []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(sealed))
	}
	return e.aead.Open(nil, sealed[:n], sealed[n:], nil)
}
