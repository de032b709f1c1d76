package encryption

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strconv"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"golang.org/x/crypto/hkdf"
)

// Protocol constants.
const (
	// ProtocolVersion is the key exchange version understood by this engine.
	ProtocolVersion = 1

	// CipherSuiteAESCTR identifies AES-256-CTR with HMAC-SHA256 signatures.
	CipherSuiteAESCTR = 1

	// SignKeySize is the size of a derived sign key.
	SignKeySize = sha256.Size

	// CryptKeySize is the AES-256 key size.
	CryptKeySize = 32

	// RandomTokenLength is the length of negotiation random tokens.
	RandomTokenLength = 16
)

var cryptInfo = []byte("lan-crypt-v1")

// Inputs holds the negotiation fields that feed key derivation.
type Inputs struct {
	DeviceRandom string
	AppRandom    string
	DeviceTime   int64
	AppTime      int64
}

// Keys holds the derived per-direction keys.
type Keys struct {
	AppSignKey  []byte
	DevSignKey  []byte
	AppCryptKey []byte
	DevCryptKey []byte
}

// DeriveKeys derives the session keys from the shared LAN key.
// It returns a KeyGenerationFailure error for empty or malformed inputs.
func DeriveKeys(sharedKey []byte, in Inputs) (Keys, error) {
	if len(sharedKey) == 0 {
		return Keys{}, lanerr.New(lanerr.KeyGenerationFailure, "derive keys: empty shared key")
	}
	if in.DeviceRandom == "" || in.AppRandom == "" {
		return Keys{}, lanerr.New(lanerr.KeyGenerationFailure, "derive keys: empty random token")
	}

	appSeed := seed(in.DeviceRandom, in.AppRandom, in.DeviceTime, in.AppTime)
	devSeed := seed(in.AppRandom, in.DeviceRandom, in.AppTime, in.DeviceTime)

	var k Keys
	var err error
	k.AppSignKey, k.AppCryptKey, err = deriveDirection(sharedKey, appSeed)
	if err != nil {
		return Keys{}, err
	}
	k.DevSignKey, k.DevCryptKey, err = deriveDirection(sharedKey, devSeed)
	if err != nil {
		return Keys{}, err
	}
	return k, nil
}

func seed(r1, r2 string, t1, t2 int64) []byte {
	b := make([]byte, 0, len(r1)+len(r2)+40)
	b = append(b, r1...)
	b = append(b, r2...)
	b = strconv.AppendInt(b, t1, 10)
	b = strconv.AppendInt(b, t2, 10)
	return b
}

func deriveDirection(sharedKey, seed []byte) (sign, crypt []byte, err error) {
	digest := sha256.Sum256(seed)

	mac := hmac.New(sha256.New, sharedKey)
	mac.Write(digest[:])
	mac.Write([]byte{'0'})
	sign = mac.Sum(nil)

	crypt = make([]byte, CryptKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sign, digest[:], cryptInfo), crypt); err != nil {
		return nil, nil, lanerr.Wrap(lanerr.KeyGenerationFailure, "derive crypt key", err)
	}
	return sign, crypt, nil
}

// HMAC computes HMAC-SHA256 of data under key.
func HMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// RandomToken returns a URL-safe random token of n characters.
func RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", lanerr.New(lanerr.LibraryInvalidParam, "random token: invalid length")
	}
	buf := make([]byte, (n*3+3)/4)
	if _, err := rand.Read(buf); err != nil {
		return "", lanerr.Wrap(lanerr.KeyGenerationFailure, "random token", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:n], nil
}
