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

	"golang.org/x/crypto/hkdf"
)

// DecryptionError is returned when a stored secret cannot be decrypted.
type DecryptionError struct {
	Name string // secret name, if known
	Err  error
}

func (e *DecryptionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("failed to decrypt secret %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("failed to decrypt: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Cipher encrypts user secrets with AES-256-GCM under a per-user key derived
// from one master key.
type Cipher struct {
	masterKey []byte
}

// NewCipher creates a cipher from a 32-byte hex-encoded master key (64 characters)
func NewCipher(masterKeyHex string) (*Cipher, error) {
	if masterKeyHex == "" {
		return nil, errors.New("encryption master key is required")
	}

	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format (must be hex): %w", err)
	}

	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (64 hex characters), got %d bytes", len(masterKey))
	}

	return &Cipher{masterKey: masterKey}, nil
}

// DeriveUserKey derives the AES key of one user with HKDF-SHA256
func (c *Cipher) DeriveUserKey(userID string) ([]byte, error) {
	if userID == "" {
		return nil, errors.New("user ID is required for key derivation")
	}

	hkdfReader := hkdf.New(sha256.New, c.masterKey, []byte(userID), []byte("blockflow-user-secrets"))

	userKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, userKey); err != nil {
		return nil, fmt.Errorf("failed to derive user key: %w", err)
	}
	return userKey, nil
}

func (c *Cipher) gcm(userID string) (cipher.AEAD, error) {
	userKey, err := c.DeriveUserKey(userID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(userKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptString returns base64 ciphertext with the nonce prepended.
// Empty input encrypts to an empty string.
func (c *Cipher) EncryptString(userID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := c.gcm(userID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString. Every failure is a *DecryptionError.
func (c *Cipher) DecryptString(userID, ciphertextB64 string) (string, error) {
	if ciphertextB64 == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", &DecryptionError{Err: fmt.Errorf("failed to decode ciphertext: %w", err)}
	}
	gcm, err := c.gcm(userID)
	if err != nil {
		return "", &DecryptionError{Err: err}
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", &DecryptionError{Err: errors.New("ciphertext too short")}
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &DecryptionError{Err: err}
	}
	return string(plaintext), nil
}

// GenerateMasterKey generates a new random 32-byte master key (for setup)
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
