package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptFor(t *testing.T, pubDER, msg []byte) []byte {
	t.Helper()
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	require.NoError(t, err)
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub.(*rsa.PublicKey), msg)
	require.NoError(t, err)
	return ct
}

func TestEnsureKeyPairReuse(t *testing.T) {
	s := NewStore(NewMemoryBackend(), "")
	assert.Equal(t, DefaultTag, s.Tag())

	pub1, err := s.EnsureKeyPair(context.Background(), KeySize1024)
	require.NoError(t, err)
	pub2, err := s.EnsureKeyPair(context.Background(), KeySize1024)
	require.NoError(t, err)

	assert.Equal(t, pub1, pub2, "existing key pair of the same size should be reused")
}

func TestEnsureKeyPairSizeChange(t *testing.T) {
	s := NewStore(NewMemoryBackend(), "t")

	pub1, err := s.EnsureKeyPair(context.Background(), KeySize1024)
	require.NoError(t, err)
	pub2, err := s.EnsureKeyPair(context.Background(), KeySize1056)
	require.NoError(t, err)

	assert.NotEqual(t, pub1, pub2)
	key, err := s.backend.Load("t")
	require.NoError(t, err)
	assert.Equal(t, KeySize1056, key.N.BitLen())
}

func TestEnsureKeyPairInvalidSize(t *testing.T) {
	s := NewStore(NewMemoryBackend(), "t")

	for _, bits := range []int{0, 512, 1025, 4096} {
		_, err := s.EnsureKeyPair(context.Background(), bits)
		assert.True(t, errors.Is(err, lanerr.LibraryInvalidParam), "bits=%d err=%v", bits, err)
	}
}

func TestEnsureKeyPairConcurrent(t *testing.T) {
	s := NewStore(NewMemoryBackend(), "t")

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pub, err := s.EnsureKeyPair(context.Background(), KeySize1024)
			assert.NoError(t, err)
			results[i] = pub
		}(i)
	}
	wg.Wait()

	for _, r := range results[1:] {
		assert.Equal(t, results[0], r, "concurrent callers should share one generation")
	}
}

func TestEnsureKeyPairCancelled(t *testing.T) {
	s := NewStore(NewMemoryBackend(), "t")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.EnsureKeyPair(ctx, KeySize2048)
	assert.True(t, errors.Is(err, lanerr.Cancelled), "err = %v", err)
}

func TestDecrypt(t *testing.T) {
	s := NewStore(NewMemoryBackend(), "t")
	pub, err := s.EnsureKeyPair(context.Background(), KeySize1024)
	require.NoError(t, err)

	secret := []byte("0123456789abcdef0123456789abcdef")
	got, err := s.Decrypt(encryptFor(t, pub, secret))
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	_, err = s.Decrypt([]byte("garbage"))
	assert.True(t, errors.Is(err, lanerr.EncryptionFailure))

	_, err = s.Decrypt(nil)
	assert.True(t, errors.Is(err, lanerr.LibraryInvalidParam))
}

func TestDecryptWithoutKey(t *testing.T) {
	s := NewStore(NewMemoryBackend(), "missing")

	_, err := s.Decrypt([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, lanerr.KeyGenerationFailure))
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestFileBackend(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	b := NewFileBackend(dir)

	_, err := b.Load("setup")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	key, err := rsa.GenerateKey(rand.Reader, KeySize1024)
	require.NoError(t, err)
	require.NoError(t, b.Store("setup", key))

	info, err := os.Stat(filepath.Join(dir, "setup.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A fresh backend on the same directory sees the stored key.
	loaded, err := NewFileBackend(dir).Load("setup")
	require.NoError(t, err)
	assert.True(t, key.Equal(loaded))

	require.NoError(t, b.Delete("setup"))
	require.NoError(t, b.Delete("setup"))
	_, err = b.Load("setup")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileBackendInvalidTag(t *testing.T) {
	b := NewFileBackend(t.TempDir())

	for _, tag := range []string{"", "..", "a/b", "../x"} {
		_, err := b.Load(tag)
		assert.ErrorIs(t, err, ErrInvalidTag, "tag %q", tag)
	}
}

func TestDecodeKeyPEMInvalid(t *testing.T) {
	_, err := DecodeKeyPEM([]byte("not pem"))
	assert.ErrorIs(t, err, ErrInvalidPEM)

	_, err = EncodeKeyPEM(nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
