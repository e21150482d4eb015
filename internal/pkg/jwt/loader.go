package jwt

import (
	"fmt"
	"time"
)

type Config struct {
	Secret    string // HS256 shared secret, used when no key paths are set
	PrivPath  string
	PubPath   string
	Issuer    string
	Audience  string
	KID       string
	AccessTTL time.Duration
	Leeway    time.Duration
}

// LoadAndBuild resolves signing keys from cfg and returns a ready Codec.
// An RSA key pair takes precedence over a shared secret.
func LoadAndBuild(cfg Config, opts ...Option) (*Codec, error) {
	var (
		keys *Keys
		err  error
	)

	switch {
	case cfg.PrivPath != "" || cfg.PubPath != "":
		keys, err = LoadRSAKeys(cfg.PrivPath, cfg.PubPath)
	case cfg.Secret != "":
		keys, err = NewHMACKeys([]byte(cfg.Secret))
	default:
		return nil, fmt.Errorf("no signing key configured: set a secret or an RSA key pair")
	}
	if err != nil {
		return nil, err
	}

	if cfg.Leeway > 0 {
		opts = append(opts, WithLeeway(cfg.Leeway))
	}
	return NewCodec(keys, cfg.Issuer, cfg.Audience, cfg.KID, cfg.AccessTTL, opts...)
}
