package crypto

import (
	"errors"
	"strings"
	"testing"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name     string
		material string
	}{
		{"openai key", "sk-proj-abc123"},
		{"anthropic key", "sk-ant-api03-xyz"},
		{"special chars", "key!@#$%^&*()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp1 := Fingerprint(tt.material)
			fp2 := Fingerprint(tt.material)

			if fp1 != fp2 {
				t.Errorf("Fingerprint not deterministic: got %s and %s", fp1, fp2)
			}
			if len(fp1) != 64 {
				t.Errorf("Fingerprint length = %d, want 64", len(fp1))
			}
			if strings.Contains(fp1, tt.material) {
				t.Error("Fingerprint must not contain the material")
			}
		})
	}

	if Fingerprint("key1") == Fingerprint("key2") {
		t.Error("different material should produce different fingerprints")
	}
}

func TestNewCipher(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"valid key", "my-master-key", nil},
		{"long key", strings.Repeat("a", 100), nil},
		{"empty key", "", domain.ErrMasterKeyRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCipher(tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewCipher() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && c == nil {
				t.Error("NewCipher() returned nil without error")
			}
		})
	}
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("test-master-key")
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple", "sk-123"},
		{"json payload", `{"api_key": "sk-123", "org": "acme"}`},
		{"unicode", "こんにちは世界"},
		{"long", strings.Repeat("a", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := c.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if sealed.IV == "" {
				t.Error("Seal() should return an IV")
			}
			if strings.Contains(sealed.Ciphertext, tt.plaintext) {
				t.Error("ciphertext should not contain plaintext")
			}

			opened, err := c.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if opened != tt.plaintext {
				t.Errorf("Open() = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestCipher_SealUsesFreshNonce(t *testing.T) {
	c, _ := NewCipher("test-key")

	s1, _ := c.Seal("same plaintext")
	s2, _ := c.Seal("same plaintext")

	if s1.IV == s2.IV || s1.Ciphertext == s2.Ciphertext {
		t.Error("Seal should produce different output for the same plaintext")
	}
}

func TestCipher_OpenInvalid(t *testing.T) {
	c, _ := NewCipher("test-key")
	valid, _ := c.Seal("secret")

	tests := []struct {
		name   string
		secret domain.EncryptedSecret
	}{
		{"invalid iv base64", domain.EncryptedSecret{Ciphertext: valid.Ciphertext, IV: "!!!"}},
		{"short iv", domain.EncryptedSecret{Ciphertext: valid.Ciphertext, IV: "YWJj"}},
		{"invalid ciphertext base64", domain.EncryptedSecret{Ciphertext: "not-base64!!!", IV: valid.IV}},
		{"tampered", domain.EncryptedSecret{Ciphertext: "dGFtcGVyZWQgZGF0YSB0aGF0IGlzIGxvbmcgZW5vdWdo", IV: valid.IV}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Open(tt.secret)
			if !errors.Is(err, domain.ErrEncryption) {
				t.Errorf("Open() error = %v, want ErrEncryption", err)
			}
			if out != "" {
				t.Errorf("Open() returned %q on failure, want empty", out)
			}
		})
	}
}

func TestCipher_DifferentMasterKeys(t *testing.T) {
	c1, _ := NewCipher("key1")
	c2, _ := NewCipher("key2")

	sealed, _ := c1.Seal("secret data")

	if _, err := c2.Open(sealed); !errors.Is(err, domain.ErrEncryption) {
		t.Errorf("Open with different master key error = %v, want ErrEncryption", err)
	}
}

func TestDeriveKey(t *testing.T) {
	key := deriveKey("test")
	if len(key) != 32 {
		t.Errorf("deriveKey length = %d, want 32", len(key))
	}
	if string(key) != string(deriveKey("test")) {
		t.Error("deriveKey not deterministic")
	}
}

func BenchmarkSeal(b *testing.B) {
	c, _ := NewCipher("benchmark-key")
	for i := 0; i < b.N; i++ {
		c.Seal("benchmark plaintext data")
	}
}

func BenchmarkOpen(b *testing.B) {
	c, _ := NewCipher("benchmark-key")
	sealed, _ := c.Seal("benchmark plaintext data")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Open(sealed)
	}
}
