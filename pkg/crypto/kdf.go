package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfName identifies the key derivation function recorded in the
	// algorithm tag of every password record.
	kdfName = "pbkdf2-sha256"

	// DefaultKDFIterations is the PBKDF2 iteration count applied to new
	// passwords. Existing records carry their own count in the tag, so
	// raising this value only affects passwords set afterwards.
	DefaultKDFIterations = 210_000

	kdfSaltBytes = 16
	kdfKeyBytes  = 32
)

// PasswordRecord is the derived form of a password as persisted: the key,
// the per-password salt, and the algorithm tag describing how both were
// produced.
type PasswordRecord struct {
	Hash      string
	Salt      string
	Algorithm string
}

// DerivePassword derives a PasswordRecord from a plaintext password using
// PBKDF2-SHA256 with a fresh random salt.
func DerivePassword(password string) (PasswordRecord, error) {
	return derivePassword(password, DefaultKDFIterations)
}

func derivePassword(password string, iterations int) (PasswordRecord, error) {
	if password == "" {
		return PasswordRecord{}, fmt.Errorf("crypto: password is required")
	}

	salt := make([]byte, kdfSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return PasswordRecord{}, fmt.Errorf("crypto: generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, iterations, kdfKeyBytes, sha256.New)

	return PasswordRecord{
		Hash:      base64.RawStdEncoding.EncodeToString(key),
		Salt:      base64.RawStdEncoding.EncodeToString(salt),
		Algorithm: fmt.Sprintf("%s:%d", kdfName, iterations),
	}, nil
}

// VerifyPassword recomputes the derivation described by the record's
// algorithm tag and compares it with the stored hash in constant time.
// The plaintext is never logged or returned.
func VerifyPassword(password string, record PasswordRecord) bool {
	if password == "" || record.Hash == "" || record.Salt == "" {
		return false
	}

	iterations, ok := parseKDFTag(record.Algorithm)
	if !ok {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(record.Salt)
	if err != nil {
		return false
	}

	expected, err := base64.RawStdEncoding.DecodeString(record.Hash)
	if err != nil {
		return false
	}

	derived := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1
}

func parseKDFTag(tag string) (int, bool) {
	name, count, found := strings.Cut(tag, ":")
	if !found || name != kdfName {
		return 0, false
	}
	iterations, err := strconv.Atoi(count)
	if err != nil || iterations <= 0 {
		return 0, false
	}
	return iterations, true
}
