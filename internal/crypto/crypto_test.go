package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name      string
		clientKey string
	}{
		{"simple key", "test-api-key"},
		{"anthropic style", "sk-ant-api03-abcdef"},
		{"empty key", ""},
		{"special chars", "key!@#$%^&*()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := Fingerprint(tt.clientKey)

			if fp != Fingerprint(tt.clientKey) {
				t.Error("Fingerprint is not deterministic")
			}
			if len(fp) != 32 {
				t.Errorf("Fingerprint length = %d, want 32", len(fp))
			}
			for _, c := range fp {
				if !strings.ContainsRune("0123456789abcdef", c) {
					t.Errorf("Fingerprint contains non-hex char: %c", c)
				}
			}
			if tt.clientKey != "" && strings.Contains(fp, tt.clientKey) {
				t.Error("Fingerprint leaks the key")
			}
		})
	}

	if Fingerprint("key-a") == Fingerprint("key-b") {
		t.Error("different keys should produce different fingerprints")
	}
}

func TestNewEncryptor(t *testing.T) {
	if _, err := NewEncryptor(""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("NewEncryptor(\"\") error = %v, want ErrEmptyKey", err)
	}

	enc, err := NewEncryptor(strings.Repeat("a", 100))
	if err != nil || enc == nil {
		t.Fatalf("NewEncryptor() = %v, %v", enc, err)
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	enc, err := NewEncryptor("test-encryption-key")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"api key", "sk-ant-api03-secret"},
		{"empty string", ""},
		{"unicode", "こんにちは世界"},
		{"long text", strings.Repeat("a", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := enc.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if !IsSealed(sealed) {
				t.Errorf("Seal() = %q, missing %q prefix", sealed, SealedPrefix)
			}
			if tt.plaintext != "" && strings.Contains(sealed, tt.plaintext) {
				t.Error("sealed value contains the plaintext")
			}

			opened, err := enc.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if opened != tt.plaintext {
				t.Errorf("Open() = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestEncryptor_SealUsesFreshNonce(t *testing.T) {
	enc, _ := NewEncryptor("test-key")

	a, _ := enc.Seal("same plaintext")
	b, _ := enc.Seal("same plaintext")
	if a == b {
		t.Error("Seal should produce different values for the same plaintext")
	}
}

func TestEncryptor_OpenInvalid(t *testing.T) {
	enc, _ := NewEncryptor("test-key")

	tests := []struct {
		name    string
		value   string
		wantErr error
	}{
		{"missing prefix", "c2stdGVzdA==", ErrNotSealed},
		{"invalid base64", "enc:not-valid-base64!!!", ErrInvalidCiphertext},
		{"too short", "enc:YWJj", ErrInvalidCiphertext},
		{"tampered", "enc:dGFtcGVyZWQgZGF0YSB0aGF0IGlzIGxvbmcgZW5vdWdo", ErrInvalidCiphertext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Open(tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Open() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptor_DifferentKeys(t *testing.T) {
	enc1, _ := NewEncryptor("key1")
	enc2, _ := NewEncryptor("key2")

	sealed, _ := enc1.Seal("secret data")
	if _, err := enc2.Open(sealed); err == nil {
		t.Error("Open with a different key should fail")
	}
}

func BenchmarkFingerprint(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Fingerprint("sk-ant-REDACTED")
	}
}

func BenchmarkSeal(b *testing.B) {
	enc, _ := NewEncryptor("benchmark-key")
	for i := 0; i < b.N; i++ {
		enc.Seal("benchmark plaintext data")
	}
}
