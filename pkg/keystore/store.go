// Package keystore holds the RSA key pair used to bootstrap setup sessions.
//
// The key pair is only used to decrypt the shared secret a device sends
// during initial setup. Generating it is slow, so EnsureKeyPair runs the
// generation on a background goroutine while the caller blocks; it must not
// be called from a latency-sensitive path.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"golang.org/x/sync/singleflight"
)

// Supported key sizes in bits.
const (
	KeySize1024 = 1024
	KeySize1056 = 1056
	KeySize2048 = 2048

	// DefaultKeySize is used when no size is configured.
	DefaultKeySize = KeySize1024

	// DefaultTag is the storage tag of the setup key pair.
	DefaultTag = "lan-setup-key"

	// MaxPlaintextSize bounds the output of Decrypt.
	MaxPlaintextSize = 1024
)

// ValidKeySize reports whether bits is a supported key size.
func ValidKeySize(bits int) bool {
	switch bits {
	case KeySize1024, KeySize1056, KeySize2048:
		return true
	}
	return false
}

// Store manages one tagged key pair on top of a Backend.
type Store struct {
	backend Backend
	tag     string
	logger  *slog.Logger

	group singleflight.Group
}

// NewStore creates a store for the key pair identified by tag.
// An empty tag selects DefaultTag.
func NewStore(backend Backend, tag string) *Store {
	if tag == "" {
		tag = DefaultTag
	}
	return &Store{backend: backend, tag: tag}
}

// SetLogger sets the operational logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Tag returns the storage tag of the key pair.
func (s *Store) Tag() string {
	return s.tag
}

// EnsureKeyPair returns the PKIX DER public key of a key pair of the given
// size, generating and storing a new pair when none of that size exists.
// The call blocks until the key is available or ctx is done. Generation
// keeps running after ctx is cancelled so a later call can reuse the result.
func (s *Store) EnsureKeyPair(ctx context.Context, bits int) ([]byte, error) {
	if !ValidKeySize(bits) {
		return nil, lanerr.Wrap(lanerr.LibraryInvalidParam, "ensure key pair",
			fmt.Errorf("unsupported key size %d", bits))
	}

	key, err := s.backend.Load(s.tag)
	switch {
	case err == nil && key.N.BitLen() == bits:
		return s.publicKey(key)
	case err != nil && !errors.Is(err, ErrKeyNotFound):
		return nil, lanerr.Wrap(lanerr.KeyGenerationFailure, "load key pair", err)
	}

	ch := s.group.DoChan(strconv.Itoa(bits), func() (any, error) {
		return s.generate(bits)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return s.publicKey(res.Val.(*rsa.PrivateKey))
	case <-ctx.Done():
		return nil, lanerr.Wrap(lanerr.Cancelled, "ensure key pair", ctx.Err())
	}
}

func (s *Store) generate(bits int) (*rsa.PrivateKey, error) {
	start := time.Now()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.KeyGenerationFailure, "generate key pair", err)
	}
	if err := s.backend.Store(s.tag, key); err != nil {
		return nil, lanerr.Wrap(lanerr.KeyGenerationFailure, "store key pair", err)
	}
	s.debugLog("keystore: generated key pair", "tag", s.tag, "bits", bits, "took", time.Since(start))
	return key, nil
}

func (s *Store) publicKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := PublicKeyDER(key)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.KeyGenerationFailure, "encode public key", err)
	}
	return der, nil
}

// Decrypt decrypts a PKCS#1 v1.5 ciphertext with the stored private key.
// Plaintexts longer than MaxPlaintextSize are rejected.
func (s *Store) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, lanerr.New(lanerr.LibraryInvalidParam, "decrypt: empty ciphertext")
	}
	key, err := s.backend.Load(s.tag)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.KeyGenerationFailure, "decrypt", err)
	}

	plaintext, err := rsa.DecryptPKCS1v15(nil, key, ciphertext)
	if err != nil {
		return nil, lanerr.Wrap(lanerr.EncryptionFailure, "decrypt", err)
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, lanerr.New(lanerr.LibraryInvalidParam, "decrypt: plaintext too large")
	}
	return plaintext, nil
}

// Delete removes the stored key pair.
func (s *Store) Delete() error {
	return s.backend.Delete(s.tag)
}

func (s *Store) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
