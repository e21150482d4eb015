package jwt

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

const minSecretLen = 32

// Keys holds the process-wide signing material. It is built once at startup
// and never mutated afterwards.
type Keys struct {
	method jwt.SigningMethod
	sign   interface{}
	verify interface{}
}

// NewHMACKeys returns HS256 keys for a shared secret.
func NewHMACKeys(secret []byte) (*Keys, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("hs256 secret must be at least %d bytes", minSecretLen)
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Keys{method: jwt.SigningMethodHS256, sign: s, verify: s}, nil
}

// NewRSAKeys returns RS256 keys. priv may be nil for verify-only deployments.
func NewRSAKeys(priv *rsa.PrivateKey, pub *rsa.PublicKey) (*Keys, error) {
	if pub == nil && priv != nil {
		pub = &priv.PublicKey
	}
	if pub == nil {
		return nil, errors.New("rs256 requires a public key")
	}
	k := &Keys{method: jwt.SigningMethodRS256, verify: pub}
	if priv != nil {
		k.sign = priv
	}
	return k, nil
}

// LoadRSAKeys reads a PEM key pair from disk.
func LoadRSAKeys(privPath, pubPath string) (*Keys, error) {
	priv, err := LoadRSAPrivateKeyFromPEM(privPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key from %s: %w", privPath, err)
	}

	pub, err := LoadRSAPublicKeyFromPEM(pubPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load public key from %s: %w", pubPath, err)
	}

	return NewRSAKeys(priv, pub)
}

// Alg returns the JWS algorithm name.
func (k *Keys) Alg() string {
	return k.method.Alg()
}

func LoadRSAPrivateKeyFromPEM(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParseRSAPrivateKeyPEM(b)
}

func ParseRSAPrivateKeyPEM(b []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if block.Type != "RSA PRIVATE KEY" && block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("invalid PEM private key type: %s", block.Type)
	}

	if block.Type == "PRIVATE KEY" {
		// PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key")
		}
		return rsaKey, nil
	}

	// PKCS1 format
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func LoadRSAPublicKeyFromPEM(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return ParseRSAPublicKeyPEM(b)
}

func ParseRSAPublicKeyPEM(b []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if block.Type != "RSA PUBLIC KEY" && block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("invalid PEM public key type: %s", block.Type)
	}

	if block.Type == "PUBLIC KEY" {
		// PKIX format
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaKey, nil
	}

	// PKCS1 format
	return x509.ParsePKCS1PublicKey(block.Bytes)
}
