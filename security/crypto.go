/*
Package security groups the credential and sensitive-data services:
field encryption (AES-256-GCM), CPF tokenization, password hashing
(bcrypt), TOTP second factor and JWT session tokens.

Nothing in this package touches the datastore directly; the token vault
talks to storage through its own small interface.
*/
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrBadCiphertext = errors.New("security: malformed or tampered ciphertext")

// Crypto encrypts individual fields with AES-256-GCM. The nonce is
// prepended to the ciphertext; output is standard base64.
type Crypto struct {
	aead cipher.AEAD
}

// NewCrypto derives a 32-byte key from the configured secret. Any
// secret length is accepted; the derivation is a plain SHA-256.
func NewCrypto(secret string) (*Crypto, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Crypto{aead: aead}, nil
}

func (c *Crypto) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Crypto) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrBadCiphertext
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrBadCiphertext
	}
	return string(plain), nil
}
