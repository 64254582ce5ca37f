// Package crypto seals the API bearer token kept in the queue database.
// Uses AES-256-GCM keyed from the device id.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	// ErrInvalidCiphertext is returned when a sealed value cannot be opened.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when no device id is available.
	ErrInvalidKey = errors.New("invalid key")
)

const keyPrefix = "offlinesync:"

// Encrypt encrypts plaintext using AES-256-GCM and returns base64 text.
// The key is derived from the input using SHA-256.
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeviceKey derives the sealing key for a device.
func DeviceKey(deviceID string) []byte {
	hash := sha256.Sum256([]byte(keyPrefix + deviceID))
	return hash[:]
}

// SealToken encrypts an API token for storage. An empty token seals to "".
func SealToken(token, deviceID string) (string, error) {
	if deviceID == "" {
		return "", ErrInvalidKey
	}
	if token == "" {
		return "", nil
	}
	return Encrypt([]byte(token), DeviceKey(deviceID))
}

// OpenToken decrypts a stored token. An empty value means no token is set.
func OpenToken(sealed, deviceID string) (string, error) {
	if deviceID == "" {
		return "", ErrInvalidKey
	}
	if sealed == "" {
		return "", nil
	}
	plaintext, err := Decrypt(sealed, DeviceKey(deviceID))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
