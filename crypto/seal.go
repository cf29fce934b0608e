// This package provides the symmetric primitives identd uses to protect key material at rest.
package crypto

import (
	crypto_rand "crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrShortCiphertext = errors.New("crypto: ciphertext shorter than nonce")

// Seal encrypts msg under key with XChaCha20-Poly1305. The random nonce is
// prepended to the returned ciphertext.
func Seal(key, msg, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		panic("key is wrong length")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(msg)+aead.Overhead())
	if _, err := crypto_rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, msg, ad), nil
}

func Open(key, sealed, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		panic("key is wrong length")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrShortCiphertext
	}
	nonce, enc := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, enc, ad)
}
