// Package encrypted wraps a BlobStore with XChaCha20-Poly1305 encryption at rest.
package encrypted

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/JakeFAU/channel-retriever/internal/storage"
)

// KeySize is the length of an encryption key in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrDecrypt is returned when stored content fails authentication.
var ErrDecrypt = errors.New("decrypt object: message authentication failed")

// BlobStore encrypts object contents before handing them to the inner store.
// Paths are not encrypted.
type BlobStore struct {
	inner storage.BlobStore
	aead  cipher.AEAD
}

// New wraps inner with the given 32-byte key.
func New(inner storage.BlobStore, key []byte) (*BlobStore, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner blob store is required")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &BlobStore{inner: inner, aead: aead}, nil
}

// PutObject seals data as nonce||ciphertext. The path is bound as associated
// data so a blob cannot be swapped under another name.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	plain, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, []byte(path))
	uri, err := s.inner.PutObject(ctx, path, "application/octet-stream", bytes.NewReader(sealed))
	if err != nil {
		return "", fmt.Errorf("put encrypted object: %w", err)
	}
	return uri, nil
}

// GetObject reads and opens an object.
func (s *BlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	sealed, err := s.inner.GetObject(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("get encrypted object: %w", err)
	}
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, fmt.Errorf("%s: %w", path, ErrDecrypt)
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrDecrypt)
	}
	return plain, nil
}

// DeleteObject delegates to the inner store.
func (s *BlobStore) DeleteObject(ctx context.Context, path string) error {
	if err := s.inner.DeleteObject(ctx, path); err != nil {
		return fmt.Errorf("delete encrypted object: %w", err)
	}
	return nil
}

// ListObjects delegates to the inner store.
func (s *BlobStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	paths, err := s.inner.ListObjects(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list encrypted objects: %w", err)
	}
	return paths, nil
}

// GenerateKey returns a random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// LoadOrCreateKey reads a hex-encoded key from path, creating the file with
// 0600 permissions when it does not exist.
func LoadOrCreateKey(path string) ([]byte, bool, error) {
	// #nosec G304 -- key path comes from operator configuration.
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, decodeErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decodeErr != nil {
			return nil, false, fmt.Errorf("decode key file: %w", decodeErr)
		}
		if len(key) != KeySize {
			return nil, false, fmt.Errorf("key file must hold %d bytes, got %d", KeySize, len(key))
		}
		return key, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("read key file: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("create key directory: %w", err)
	}
	// O_EXCL keeps a concurrent creator from being silently overwritten.
	// #nosec G304 -- key path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, false, fmt.Errorf("close key file: %w", err)
	}
	return key, true, nil
}
