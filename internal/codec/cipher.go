// Package codec protects push payloads with AES-256-GCM and issues the
// time-bounded tokens that authenticate inbound requests.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// KeySize is the AES-256 key length in bytes
const KeySize = 32

const pushKeyInfo = "medremind push payload v1"

// Encrypt seals payload with AES-256-GCM. The random nonce is prepended to the
// returned ciphertext.
func Encrypt(payload, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", reminder.ErrEncryptionFailure, err)
	}

	return gcm.Seal(nonce, nonce, payload, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Tampered input fails.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", reminder.ErrEncryptionFailure)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", reminder.ErrEncryptionFailure, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", reminder.ErrEncryptionFailure, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher: %v", reminder.ErrEncryptionFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm: %v", reminder.ErrEncryptionFailure, err)
	}
	return gcm, nil
}

// DeriveKey expands secret into an AES-256 key with HKDF-SHA256
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty key material", reminder.ErrEncryptionFailure)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", reminder.ErrEncryptionFailure, err)
	}
	return key, nil
}

// PushKey derives the payload key for a subscription from its auth secret,
// salted with the endpoint so a rotated subscription never reuses a key.
func PushKey(sub reminder.PushSubscription) ([]byte, error) {
	secret, err := decodeKey(sub.Keys.Auth)
	if err != nil {
		return nil, fmt.Errorf("%w: auth secret: %v", reminder.ErrEncryptionFailure, err)
	}
	return DeriveKey(secret, []byte(sub.Endpoint), pushKeyInfo)
}

// decodeKey accepts the base64 variants browsers emit for subscription keys
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty key")
	}
	encodings := []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
