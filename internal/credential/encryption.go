// Package credential provides credential encryption
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Encryptor handles credential encryption/decryption
type Encryptor struct {
	key []byte
}

// EncryptionConfig holds encryption configuration
type EncryptionConfig struct {
	Key          string // Base64 encoded key or passphrase
	KeyType      string // "raw", "passphrase"
	Salt         string // For passphrase derivation
	Iterations   int    // PBKDF2 iterations
}

// DefaultEncryptionConfig returns default encryption config
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		KeyType:    "passphrase",
		Iterations: 100000,
	}
}

// NewEncryptor creates a new encryptor
func NewEncryptor(config *EncryptionConfig) (*Encryptor, error) {
	var key []byte

	switch config.KeyType {
	case "raw":
		var err error
		key, err = base64.StdEncoding.DecodeString(config.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid key: %w", err)
		}
	case "passphrase":
		salt := []byte(config.Salt)
		if len(salt) == 0 {
			salt = []byte("linkflow-default-salt")
		}
		key = pbkdf2.Key([]byte(config.Key), salt, config.Iterations, 32, sha256.New)
	default:
		return nil, fmt.Errorf("unknown key type: %s", config.KeyType)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes for AES-256")
	}

	return &Encryptor{key: key}, nil
}

// Encrypt encrypts data using AES-256-GCM
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts data using AES-256-GCM
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptString encrypts a string and returns base64 encoded result
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	ciphertext, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString decrypts a base64 encoded string
func (e *Encryptor) DecryptString(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}
	plaintext, err := e.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

