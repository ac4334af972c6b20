package oscore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// AEAD abstracts the authenticated encryption primitive used to protect
// OSCORE messages. RFC 8613 mandates AES-CCM-64-64-128, which the Go
// standard library does not implement; GCMAEAD is the concrete default.
// A CCM implementation can be swapped in later behind this same
// interface with no caller changes.
type AEAD interface {
	Seal(key, nonce, plaintext, aad []byte) ([]byte, error)
	Open(key, nonce, ciphertext, aad []byte) ([]byte, error)
	KeySize() int
	NonceSize() int
}

// GCMAEAD implements AEAD using AES-GCM with a 128-bit key.
type GCMAEAD struct{}

func (GCMAEAD) KeySize() int   { return 16 }
func (GCMAEAD) NonceSize() int { return 12 }

func (g GCMAEAD) gcm(key []byte) (cipher.AEAD, error) {
	if len(key) != g.KeySize() {
		return nil, fmt.Errorf("oscore: key must be %d bytes, got %d", g.KeySize(), len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("oscore: constructing AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (g GCMAEAD) Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aeadCipher, err := g.gcm(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aeadCipher.NonceSize() {
		return nil, fmt.Errorf("oscore: nonce must be %d bytes, got %d", aeadCipher.NonceSize(), len(nonce))
	}
	return aeadCipher.Seal(nil, nonce, plaintext, aad), nil
}

func (g GCMAEAD) Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aeadCipher, err := g.gcm(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aeadCipher.NonceSize() {
		return nil, fmt.Errorf("oscore: nonce must be %d bytes, got %d", aeadCipher.NonceSize(), len(nonce))
	}
	plaintext, err := aeadCipher.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("oscore: decryption failed: %w", err)
	}
	return plaintext, nil
}

// hkdfExtractExpand derives outLen bytes of key material from secret and
// salt using HMAC-SHA256 per RFC 5869, the hash construction named by
// RFC 8613 §3.2 for the default OSCORE HKDF algorithm. No pack dependency
// or stdlib package implements HKDF directly, so it is hand-rolled here
// from crypto/hmac and crypto/sha256.
func hkdfExtractExpand(secret, salt, info []byte, outLen int) []byte {
	extractor := hmac.New(sha256.New, salt)
	extractor.Write(secret)
	prk := extractor.Sum(nil)

	var out []byte
	var prev []byte
	hashLen := sha256.Size
	for i := 0; len(out) < outLen; i++ {
		expander := hmac.New(sha256.New, prk)
		expander.Write(prev)
		expander.Write(info)
		expander.Write([]byte{byte(i + 1)})
		prev = expander.Sum(nil)
		out = append(out, prev...)
		_ = hashLen
	}
	return out[:outLen]
}
