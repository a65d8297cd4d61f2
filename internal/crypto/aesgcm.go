// Package crypto implements the symmetric cipher used to wrap key material
// and to seal payloads under a data key. All callers treat it as a black box:
// any failure to authenticate a blob surfaces as ErrDecryptionFailed with no
// further detail.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the only supported key length, AES-256.
	KeySize = 32

	nonceSize = 12
)

// ErrDecryptionFailed is returned for every decryption failure: wrong key,
// tampered payload, or truncated blob. Callers must not be able to tell
// these apart.
var ErrDecryptionFailed = errors.New("decryption failed")

// Encrypt seals plaintext under a 32-byte key with AES-256-GCM. The returned
// blob is nonce || ciphertext || tag with a fresh random nonce, so Encrypt is
// safe to call concurrently with the same key.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce, err := RandomBytes(nonceSize)
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(blob, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < nonceSize {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("expected %d bit key size", KeySize*8)
	}

	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(blk)
}

// RandomBytes is a safe read from crypto/rand, checking errors and the number
// of bytes read, erroring if we don't get enough.
func RandomBytes(length int) ([]byte, error) {
	b := make([]byte, length)

	i, err := rand.Read(b)
	if err != nil {
		return nil, fmt.Errorf("crypto/rand read: %w", err)
	}

	if i != length {
		return nil, fmt.Errorf("could not read %d random bytes from crypto/rand, only got %d", length, i)
	}

	return b, nil
}
