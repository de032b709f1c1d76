package keystore

import (
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// ErrKeyNotFound is returned by a Backend when no key is stored under a tag.
var ErrKeyNotFound = errors.New("key not found")

// ErrInvalidTag is returned for tags that cannot be used as storage names.
var ErrInvalidTag = errors.New("invalid key tag")

// Backend is the secure persistent storage for key pairs.
type Backend interface {
	// Load returns the private key stored under tag, or ErrKeyNotFound.
	Load(tag string) (*rsa.PrivateKey, error)

	// Store saves key under tag, replacing any previous key.
	Store(tag string, key *rsa.PrivateKey) error

	// Delete removes the key stored under tag. Deleting a missing key is not an error.
	Delete(tag string) error
}

// MemoryBackend keeps keys in memory. Useful for tests and short-lived tools.
type MemoryBackend struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PrivateKey
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{keys: make(map[string]*rsa.PrivateKey)}
}

// Load implements Backend.
func (b *MemoryBackend) Load(tag string) (*rsa.PrivateKey, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	key, ok := b.keys[tag]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// Store implements Backend.
func (b *MemoryBackend) Store(tag string, key *rsa.PrivateKey) error {
	if key == nil {
		return ErrInvalidKey
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[tag] = key
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, tag)
	return nil
}

var validTag = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FileBackend stores keys as PEM files in a directory, one file per tag.
type FileBackend struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileBackend creates a file backend rooted at baseDir.
// The directory is created on first Store.
func NewFileBackend(baseDir string) *FileBackend {
	return &FileBackend{baseDir: baseDir}
}

func (b *FileBackend) path(tag string) (string, error) {
	if !validTag.MatchString(tag) || tag == "." || tag == ".." {
		return "", ErrInvalidTag
	}
	return filepath.Join(b.baseDir, tag+".key"), nil
}

// Load implements Backend.
func (b *FileBackend) Load(tag string) (*rsa.PrivateKey, error) {
	p, err := b.path(tag)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeKeyPEM(data)
}

// Store implements Backend. Key files are written with 0600 permissions.
func (b *FileBackend) Store(tag string, key *rsa.PrivateKey) error {
	p, err := b.path(tag)
	if err != nil {
		return err
	}
	data, err := EncodeKeyPEM(key)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.baseDir, 0700); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Delete implements Backend.
func (b *FileBackend) Delete(tag string) error {
	p, err := b.path(tag)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
