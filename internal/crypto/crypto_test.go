// Package crypto provides tests for token encryption/decryption.
package crypto

import (
	"bytes"
	"strings"
	"testing"
)

// valid32ByteKey is a valid 32-byte key for testing.
var valid32ByteKey = []byte("0123456789abcdefghijklmnopqrstuv")

// TestEncryptDecrypt tests that encryption and decryption are reversible.
func TestEncryptDecrypt(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{
			name:  "simple text",
			input: "hello world",
		},
		{
			name:  "chat access token",
			input: "syt_YWxpY2U_NNkgmMLMSzLKgVkzOTAq_2aXJpZ",
		},
		{
			name:  "special characters",
			input: "test@#$%^&*()_+-=[]{}|;':\",./<>?",
		},
		{
			name:  "unicode",
			input: "тест中文🎉🔥",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted, err := EncryptToken(tc.input, valid32ByteKey)
			if err != nil {
				t.Fatalf("EncryptToken failed: %v", err)
			}

			if encrypted == tc.input {
				t.Error("encrypted text should differ from plaintext")
			}

			decrypted, err := DecryptToken(encrypted, valid32ByteKey)
			if err != nil {
				t.Fatalf("DecryptToken failed: %v", err)
			}

			if decrypted != tc.input {
				t.Errorf("decrypted text mismatch: got %q, want %q", decrypted, tc.input)
			}
		})
	}
}

// TestDecryptWithWrongKey tests that decryption fails with wrong key.
func TestDecryptWithWrongKey(t *testing.T) {
	plaintext := "secret_data"
	correctKey := []byte("0123456789abcdefghijklmnopqrstuv")
	wrongKey := []byte("fedcba0987654321zyxwvutsrqponmlk")

	encrypted, err := EncryptToken(plaintext, correctKey)
	if err != nil {
		t.Fatalf("encryption failed: %v", err)
	}

	_, err = DecryptToken(encrypted, wrongKey)
	if err == nil {
		t.Error("expected decryption to fail with wrong key, but it succeeded")
	}
}

// TestDecryptInvalidBase64 tests that invalid base64 returns error.
func TestDecryptInvalidBase64(t *testing.T) {
	_, err := DecryptToken("not-valid-base64!!!", valid32ByteKey)
	if err == nil {
		t.Error("expected error for invalid base64, got nil")
	}
}

// TestDecryptMalformedCiphertext tests that malformed ciphertext returns error.
func TestDecryptMalformedCiphertext(t *testing.T) {
	// Valid base64 but not a valid ciphertext
	malformed := "dGVzdA=="

	_, err := DecryptToken(malformed, valid32ByteKey)
	if err == nil {
		t.Error("expected error for malformed ciphertext, got nil")
	}
}

// TestShortKey tests that a key of the wrong size returns error.
func TestShortKey(t *testing.T) {
	_, err := EncryptToken("test", []byte("short"))
	if err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	_, err = DecryptToken("dGVzdA==", nil)
	if err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

// TestEncryptEmptyString tests encrypting empty string.
func TestEncryptEmptyString(t *testing.T) {
	encrypted, err := EncryptToken("", valid32ByteKey)
	if err != nil {
		t.Fatalf("encryption of empty string failed: %v", err)
	}

	decrypted, err := DecryptToken(encrypted, valid32ByteKey)
	if err != nil {
		t.Fatalf("decryption failed: %v", err)
	}

	if decrypted != "" {
		t.Errorf("expected empty string, got %q", decrypted)
	}
}

// TestEncryptLongString tests encrypting long strings.
func TestEncryptLongString(t *testing.T) {
	longString := strings.Repeat("A", 10000)

	encrypted, err := EncryptToken(longString, valid32ByteKey)
	if err != nil {
		t.Fatalf("encryption of long string failed: %v", err)
	}

	decrypted, err := DecryptToken(encrypted, valid32ByteKey)
	if err != nil {
		t.Fatalf("decryption failed: %v", err)
	}

	if decrypted != longString {
		t.Errorf("long string round-trip failed: got len=%d, want len=%d", len(decrypted), len(longString))
	}
}

// TestDeriveKey tests that derivation is deterministic and key-sized.
func TestDeriveKey(t *testing.T) {
	secret := []byte("000102030405060708090a0b0c0d0e0f")

	k1 := DeriveKey(secret)
	k2 := DeriveKey(secret)
	if len(k1) != 32 {
		t.Fatalf("derived key should be 32 bytes, got %d", len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("derivation should be deterministic")
	}
	if bytes.Equal(k1, DeriveKey([]byte("different secret................"))) {
		t.Error("different secrets should derive different keys")
	}

	// Round-trip through the derived key.
	encrypted, err := EncryptToken("token", k1)
	if err != nil {
		t.Fatalf("encryption with derived key failed: %v", err)
	}
	decrypted, err := DecryptToken(encrypted, k1)
	if err != nil {
		t.Fatalf("decryption with derived key failed: %v", err)
	}
	if decrypted != "token" {
		t.Errorf("round trip through derived key failed: got %q", decrypted)
	}
}

// BenchmarkEncryptToken benchmarks the encryption operation.
func BenchmarkEncryptToken(b *testing.B) {
	plaintext := "this is a test message that needs to be encrypted securely"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncryptToken(plaintext, valid32ByteKey)
	}
}
