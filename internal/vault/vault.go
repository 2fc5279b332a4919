// Package vault provides envelope encryption for user-supplied gateway API
// keys. Ciphertext layout is IV ‖ ciphertext ‖ GCM tag, base64-encoded and
// tagged with the "enc:" prefix. Environments without a configured server key
// degrade to a tagged base64 fallback ("b64:"), and bare strings written
// before encryption was introduced decrypt to themselves.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	prefixEnc = "enc:"
	prefixB64 = "b64:"

	ivSize  = 12
	tagSize = 16
	keySize = 32
)

var (
	// ErrKeyMissing means an "enc:" credential was presented but no valid
	// 32-byte server key is configured.
	ErrKeyMissing = errors.New("vault: server encryption key missing or malformed")

	// ErrDecryptAuth means the GCM tag did not verify: the ciphertext was
	// tampered with or encrypted under a different key.
	ErrDecryptAuth = errors.New("vault: ciphertext authentication failed")

	ErrMalformedCiphertext = errors.New("vault: malformed ciphertext")
)

type Mode string

const (
	// ModeDev allows the base64 fallback when no server key is configured.
	ModeDev Mode = "dev"
	// ModeProd refuses to construct a vault without a valid key.
	ModeProd Mode = "prod"
)

type Vault struct {
	key  []byte // nil in fallback mode
	log  *slog.Logger
	mode Mode
}

// New parses keyHex (64 hex chars / 32 bytes) and returns a vault. An empty
// or malformed key yields a fallback-mode vault under ModeDev and an error
// under ModeProd.
func New(keyHex string, mode Mode, log *slog.Logger) (*Vault, error) {
	if log == nil {
		log = slog.Default()
	}
	key, ok := parseKey(keyHex)
	if !ok {
		if mode == ModeProd {
			return nil, fmt.Errorf("%w: prod mode requires CREDENTIAL_KEY", ErrKeyMissing)
		}
		if keyHex != "" {
			log.Warn("credential key malformed, falling back to unencrypted storage")
		} else {
			log.Warn("no credential key configured, falling back to unencrypted storage")
		}
		return &Vault{log: log, mode: mode}, nil
	}
	return &Vault{key: key, log: log, mode: mode}, nil
}

func parseKey(keyHex string) ([]byte, bool) {
	keyHex = strings.TrimSpace(keyHex)
	if len(keyHex) != keySize*2 {
		return nil, false
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, false
	}
	return key, true
}

// Encrypt seals plaintext under the server key with a fresh random 12-byte
// IV. Without a key it returns the tagged base64 form instead of failing.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v.key == nil {
		v.log.Warn("storing credential without encryption")
		return prefixB64 + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	// Seal appends ciphertext‖tag; prepend the IV for transport.
	sealed := aesgcm.Seal(iv, iv, []byte(plaintext), nil)
	return prefixEnc + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt, dispatching on the credential's prefix. Bare
// strings with no recognized prefix are legacy plaintext and returned as-is.
func (v *Vault) Decrypt(stored string) (string, error) {
	switch {
	case strings.HasPrefix(stored, prefixB64):
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefixB64))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
		}
		return string(b), nil

	case strings.HasPrefix(stored, prefixEnc):
		return v.decryptSealed(strings.TrimPrefix(stored, prefixEnc))

	default:
		// Pre-encryption migration data.
		return stored, nil
	}
}

func (v *Vault) decryptSealed(payload string) (string, error) {
	if v.key == nil {
		return "", ErrKeyMissing
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < ivSize+tagSize {
		return "", ErrMalformedCiphertext
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv, sealed := raw[:ivSize], raw[ivSize:]
	plaintext, err := aesgcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryptAuth
	}
	return string(plaintext), nil
}

// Fallback reports whether the vault is operating without a server key.
func (v *Vault) Fallback() bool { return v.key == nil }
