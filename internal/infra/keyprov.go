package infra

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const (
	keyFileName = "session.key"
	keySize     = 32 // sqlcipher wants a 256-bit key
)

// FileKeyProvider keeps the session-store cipher key in a hex-encoded file
// under the data directory. The file is created with owner-only permissions,
// and a key that has become readable by anyone else is refused on load.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider rooted at dataDir.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{keyPath: filepath.Join(dataDir, keyFileName)}
}

// GetKey loads and decodes the cipher key.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	info, err := os.Stat(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat key file: %w", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("key file %s is group or world accessible (%v)", p.keyPath, info.Mode().Perm())
	}

	raw, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("key file %s is not valid hex: %w", p.keyPath, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), keySize)
	}
	return key, nil
}

// StoreKey persists the cipher key, creating the data directory as needed.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("key is %d bytes, want %d", len(key), keySize)
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(p.keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// KeyExists reports whether a key has been persisted.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// EnsureKey returns the stored key, minting a fresh random one on first use.
func (p *FileKeyProvider) EnsureKey() ([]byte, error) {
	if p.KeyExists() {
		return p.GetKey()
	}
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	if err := p.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}
