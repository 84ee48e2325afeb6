// Package crypto encrypts provider credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

// Cipher seals key material under a key derived from the master secret.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 32-byte key from masterKey with SHA-256.
// An empty master key is rejected: a generated one would not survive a restart.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, domain.ErrMasterKeyRequired
	}

	block, err := aes.NewCipher(deriveKey(masterKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryption, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryption, err)
	}

	return &Cipher{aead: gcm}, nil
}

func deriveKey(key string) []byte {
	hash := sha256.Sum256([]byte(key))
	return hash[:]
}

func (c *Cipher) Seal(plaintext string) (domain.EncryptedSecret, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return domain.EncryptedSecret{}, fmt.Errorf("%w: read nonce: %v", domain.ErrEncryption, err)
	}

	ciphertext := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return domain.EncryptedSecret{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

func (c *Cipher) Open(secret domain.EncryptedSecret) (string, error) {
	nonce, err := base64.StdEncoding.DecodeString(secret.IV)
	if err != nil {
		return "", fmt.Errorf("%w: decode iv: %v", domain.ErrEncryption, err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: invalid iv length %d", domain.ErrEncryption, len(nonce))
	}

	data, err := base64.StdEncoding.DecodeString(secret.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrEncryption, err)
	}

	plaintext, err := c.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEncryption, err)
	}

	return string(plaintext), nil
}

// Fingerprint identifies key material in logs and audits without revealing it.
func Fingerprint(material string) string {
	hash := sha256.Sum256([]byte(material))
	return hex.EncodeToString(hash[:])
}
