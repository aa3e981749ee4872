package app

import (
	"encoding/hex"
	"fmt"

	"github.com/clinicore/clinicore/pkg/crypto"
)

// ApplyRuntimeDefaults fills in secrets that were not configured. The
// generated values live only for this process: tokens signed with a
// generated JWT secret do not survive a restart, and TOTP secrets
// encrypted with a generated key become unreadable. Returns the names
// of the settings that were generated so start-up can warn about them.
func ApplyRuntimeDefaults(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	var generated []string

	if cfg.Auth.JWT.Secret == "" {
		secret, err := crypto.GenerateToken(48)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWT.Secret = secret
		generated = append(generated, "auth.jwt.secret")
	}

	if cfg.Auth.TwoFactor.EncryptionKey == "" {
		key, err := crypto.GenerateToken(32)
		if err != nil {
			return nil, fmt.Errorf("generate two-factor key: %w", err)
		}
		cfg.Auth.TwoFactor.EncryptionKey = key
		generated = append(generated, "auth.two_factor.encryption_key")
	}

	return generated, nil
}

// TwoFactorKey decodes the configured encryption key into the 32 raw
// bytes the authenticator needs. Hex-encoded keys are decoded; anything
// else is used as raw bytes and must already be 32 long, except that
// longer opaque strings are truncated deterministically.
func (c *Config) TwoFactorKey() ([]byte, error) {
	value := c.Auth.TwoFactor.EncryptionKey
	if value == "" {
		return nil, fmt.Errorf("auth.two_factor.encryption_key is not set")
	}

	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == 32 {
		return decoded, nil
	}

	raw := []byte(value)
	if len(raw) < 32 {
		return nil, fmt.Errorf("auth.two_factor.encryption_key must be at least 32 bytes")
	}
	return raw[:32], nil
}
