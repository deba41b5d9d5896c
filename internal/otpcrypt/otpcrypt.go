// Package otpcrypt encrypts verification codes at rest with AES-256-GCM.
// The canonical phone number is bound as associated data so a record cannot
// be replayed against a different phone.
package otpcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/quickgig/auth-service/internal/model"
)

// ErrDecrypt is returned on any authentication or decryption failure. The
// cause is deliberately not distinguished further.
var ErrDecrypt = errors.New("otp decrypt failed")

const nonceSize = 12 // 96-bit GCM nonce

// KeySource supplies the current write key and historical read keys.
type KeySource interface {
	CurrentOTPKey() (version int, key []byte)
	OTPKey(version int) ([]byte, error)
}

// Encryptor encrypts and decrypts OTP records using keys from a KeySource.
type Encryptor struct {
	keys KeySource
}

// New creates an Encryptor backed by the given key source.
func New(keys KeySource) *Encryptor {
	return &Encryptor{keys: keys}
}

// Encrypt seals the plaintext code under the current key with a fresh nonce,
// binding the canonical phone as associated data.
func (e *Encryptor) Encrypt(code, phoneE164 string, createdAt, expiresAt time.Time) (model.EncryptedOTP, error) {
	version, key := e.keys.CurrentOTPKey()

	aead, err := newGCM(key)
	if err != nil {
		return model.EncryptedOTP{}, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return model.EncryptedOTP{}, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, []byte(code), []byte(phoneE164))

	return model.EncryptedOTP{
		Phone:      phoneE164,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyVersion: version,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
	}, nil
}

// Decrypt opens the record with the key its version references. Any tampering
// with ciphertext, nonce, or phone binding yields ErrDecrypt.
func (e *Encryptor) Decrypt(rec model.EncryptedOTP, phoneE164 string) (string, error) {
	key, err := e.keys.OTPKey(rec.KeyVersion)
	if err != nil {
		return "", fmt.Errorf("key version %d: %w", rec.KeyVersion, err)
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if len(rec.Nonce) != nonceSize {
		return "", ErrDecrypt
	}
	plaintext, err := aead.Open(nil, rec.Nonce, rec.Ciphertext, []byte(phoneE164))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return aead, nil
}
