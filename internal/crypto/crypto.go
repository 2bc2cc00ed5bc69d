// Package crypto provides AES-256-GCM encryption for persisted provider
// credentials, with rotation-aware decryption (current key first, then the
// previous key) and the `enc:` wire format used in the database.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// encPrefix marks an encrypted value; anything else is treated as
	// plaintext for migration compatibility.
	encPrefix = "enc:"

	ivSize  = 12
	tagSize = 16
)

var (
	ErrInvalidKey    = errors.New("encryption key must be 32 bytes for AES-256")
	ErrInvalidCipher = errors.New("invalid ciphertext")
	ErrNoKey         = errors.New("no encryption key configured")
)

// Encryptor encrypts and decrypts credential strings. The previous key is
// optional and only consulted on decrypt.
type Encryptor struct {
	gcm  cipher.AEAD
	prev cipher.AEAD
}

// NewEncryptor creates an Encryptor from the current key and an optional
// previous key (nil to disable rotation fallback). Keys must be 32 bytes.
func NewEncryptor(key, previousKey []byte) (*Encryptor, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	e := &Encryptor{gcm: gcm}
	if len(previousKey) > 0 {
		prev, err := newGCM(previousKey)
		if err != nil {
			return nil, fmt.Errorf("previous key: %w", err)
		}
		e.prev = prev
	}
	return e, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptString encrypts plaintext into the persisted format
// enc:<iv-b64>:<tag-b64>:<ciphertext-b64>.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	// Seal appends the 16-byte tag to the ciphertext; the wire format
	// stores the two parts separately.
	sealed := e.gcm.Seal(nil, iv, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return encPrefix +
		base64.StdEncoding.EncodeToString(iv) + ":" +
		base64.StdEncoding.EncodeToString(tag) + ":" +
		base64.StdEncoding.EncodeToString(body), nil
}

// DecryptString decrypts a persisted value. Values without the enc: prefix
// pass through unchanged (plaintext migration compat). Decryption tries the
// current key, then the previous key.
func (e *Encryptor) DecryptString(value string) (string, error) {
	plaintext, _, err := e.DecryptStringReport(value)
	return plaintext, err
}

// DecryptStringReport behaves like DecryptString and additionally reports
// whether the previous key was needed, so a re-encryption pass can find
// values still sealed under the old key.
func (e *Encryptor) DecryptStringReport(value string) (plaintext string, usedPrevious bool, err error) {
	if value == "" {
		return "", false, nil
	}
	if !strings.HasPrefix(value, encPrefix) {
		return value, false, nil
	}

	iv, tag, body, err := splitEncrypted(value)
	if err != nil {
		return "", false, err
	}
	sealed := append(body, tag...)

	if out, err := e.gcm.Open(nil, iv, sealed, nil); err == nil {
		return string(out), false, nil
	}
	if e.prev != nil {
		if out, err := e.prev.Open(nil, iv, sealed, nil); err == nil {
			return string(out), true, nil
		}
	}
	return "", false, fmt.Errorf("decryption failed: %w", ErrInvalidCipher)
}

// IsEncrypted reports whether a persisted value carries the enc: prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

func splitEncrypted(value string) (iv, tag, body []byte, err error) {
	parts := strings.Split(strings.TrimPrefix(value, encPrefix), ":")
	if len(parts) != 3 {
		return nil, nil, nil, ErrInvalidCipher
	}
	iv, err = base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return nil, nil, nil, ErrInvalidCipher
	}
	tag, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, nil, nil, ErrInvalidCipher
	}
	body, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, ErrInvalidCipher
	}
	return iv, tag, body, nil
}

// GenerateKey generates a random 32-byte key for AES-256.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// OpsKeyDigest derives a stable hex digest of an operational API key using
// HKDF-SHA256 with the configured salt. Comparing digests instead of raw
// keys keeps the key itself out of memory comparisons and logs.
func OpsKeyDigest(salt, key string) string {
	if key == "" {
		return ""
	}
	if salt == "" {
		salt = "revback-ops-key-v1"
	}
	r := hkdf.New(sha256.New, []byte(key), []byte(salt), []byte("ops-api-key"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("hkdf: failed to derive digest: " + err.Error())
	}
	return hex.EncodeToString(out)
}
