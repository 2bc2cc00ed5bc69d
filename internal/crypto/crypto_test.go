package crypto

import (
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return key
}

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		wantErr error
	}{
		{"valid 32-byte key", 32, nil},
		{"too short key", 16, ErrInvalidKey},
		{"too long key", 64, ErrInvalidKey},
		{"empty key", 0, ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keyLen)
			for i := range key {
				key[i] = byte(i % 256)
			}

			enc, err := NewEncryptor(key, nil)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Errorf("NewEncryptor() error = %v, want %v", err, tt.wantErr)
				}
				if enc != nil {
					t.Error("NewEncryptor() returned non-nil encryptor on error")
				}
			} else {
				if err != nil {
					t.Errorf("NewEncryptor() unexpected error = %v", err)
				}
				if enc == nil {
					t.Error("NewEncryptor() returned nil encryptor")
				}
			}
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(t), nil)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	inputs := []string{
		"whsec_test_secret",
		"emoji 🔐 and unicode ñ",
		strings.Repeat("long credential material ", 100),
		`{"json":"blob","nested":{"key":"value"}}`,
	}
	for _, plaintext := range inputs {
		sealed, err := enc.EncryptString(plaintext)
		if err != nil {
			t.Fatalf("EncryptString() error = %v", err)
		}
		if !IsEncrypted(sealed) {
			t.Fatalf("EncryptString() output %q missing enc: prefix", sealed[:12])
		}
		got, err := enc.DecryptString(sealed)
		if err != nil {
			t.Fatalf("DecryptString() error = %v", err)
		}
		if got != plaintext {
			t.Errorf("roundtrip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestEncryptedFormat(t *testing.T) {
	enc, _ := NewEncryptor(testKey(t), nil)

	sealed, err := enc.EncryptString("secret")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	// enc:<iv>:<tag>:<ciphertext>
	if !strings.HasPrefix(sealed, "enc:") {
		t.Fatalf("missing prefix: %q", sealed)
	}
	parts := strings.Split(strings.TrimPrefix(sealed, "enc:"), ":")
	if len(parts) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(parts))
	}
	iv, tag, _, err := splitEncrypted(sealed)
	if err != nil {
		t.Fatalf("splitEncrypted() error = %v", err)
	}
	if len(iv) != 12 {
		t.Errorf("iv length = %d, want 12", len(iv))
	}
	if len(tag) != 16 {
		t.Errorf("tag length = %d, want 16", len(tag))
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	enc, _ := NewEncryptor(testKey(t), nil)

	got, err := enc.DecryptString("whsec_plaintext_never_encrypted")
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if got != "whsec_plaintext_never_encrypted" {
		t.Errorf("plaintext passthrough changed the value: %q", got)
	}
}

func TestDecryptWithPreviousKey(t *testing.T) {
	oldKey := testKey(t)
	newKey := testKey(t)

	oldEnc, _ := NewEncryptor(oldKey, nil)
	sealed, err := oldEnc.EncryptString("rotate me")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	// Rotated encryptor: new current key, old key demoted to previous.
	rotated, err := NewEncryptor(newKey, oldKey)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	got, usedPrevious, err := rotated.DecryptStringReport(sealed)
	if err != nil {
		t.Fatalf("DecryptStringReport() error = %v", err)
	}
	if got != "rotate me" {
		t.Errorf("decrypt = %q, want %q", got, "rotate me")
	}
	if !usedPrevious {
		t.Error("expected usedPrevious=true for value sealed under the old key")
	}

	// Values sealed under the current key must not report the fallback.
	fresh, _ := rotated.EncryptString("fresh")
	_, usedPrevious, err = rotated.DecryptStringReport(fresh)
	if err != nil {
		t.Fatalf("DecryptStringReport() error = %v", err)
	}
	if usedPrevious {
		t.Error("expected usedPrevious=false for value sealed under the current key")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, _ := NewEncryptor(testKey(t), nil)
	sealed, _ := enc.EncryptString("integrity matters")

	// Flip a character inside the ciphertext segment.
	idx := strings.LastIndex(sealed, ":") + 2
	tampered := []byte(sealed)
	if tampered[idx] == 'A' {
		tampered[idx] = 'B'
	} else {
		tampered[idx] = 'A'
	}

	if _, err := enc.DecryptString(string(tampered)); err == nil {
		t.Error("expected decryption failure for tampered ciphertext")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	encA, _ := NewEncryptor(testKey(t), nil)
	encB, _ := NewEncryptor(testKey(t), nil)

	sealed, _ := encA.EncryptString("secret")
	if _, err := encB.DecryptString(sealed); err == nil {
		t.Error("expected failure decrypting with an unrelated key")
	}
}

func TestDecryptMalformedValues(t *testing.T) {
	enc, _ := NewEncryptor(testKey(t), nil)

	malformed := []string{
		"enc:",
		"enc:only-one",
		"enc:a:b",
		"enc:!!!:AAAA:AAAA",
		"enc:AAAA:AAAA:AAAA", // iv wrong length
	}
	for _, v := range malformed {
		if _, err := enc.DecryptString(v); err == nil {
			t.Errorf("expected error for malformed value %q", v)
		}
	}
}

func TestOpsKeyDigest(t *testing.T) {
	a := OpsKeyDigest("0123456789abcdef", "ops-key-1")
	b := OpsKeyDigest("0123456789abcdef", "ops-key-1")
	if a != b {
		t.Error("digest not deterministic")
	}
	if a == OpsKeyDigest("0123456789abcdef", "ops-key-2") {
		t.Error("different keys produced the same digest")
	}
	if a == OpsKeyDigest("fedcba9876543210", "ops-key-1") {
		t.Error("different salts produced the same digest")
	}
	if OpsKeyDigest("salt", "") != "" {
		t.Error("empty key should produce empty digest")
	}
}
