package keystore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
)

// PEM encoding/decoding errors.
var (
	ErrInvalidPEM = errors.New("invalid PEM data")
	ErrInvalidKey = errors.New("invalid private key")
)

const rsaKeyBlock = "RSA PRIVATE KEY"

// EncodeKeyPEM encodes an RSA private key to PKCS#1 PEM format.
func EncodeKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  rsaKeyBlock,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), nil
}

// DecodeKeyPEM decodes a PKCS#1 PEM-encoded RSA private key.
func DecodeKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != rsaKeyBlock {
		return nil, ErrInvalidPEM
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// PublicKeyDER returns the PKIX DER encoding of the key's public half.
func PublicKeyDER(key *rsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}
	return x509.MarshalPKIXPublicKey(&key.PublicKey)
}
