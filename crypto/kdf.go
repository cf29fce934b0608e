package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// DeriveKey stretches passphrase into a 32 byte key with argon2id. The salt
// is read from saltPath, which is created with a fresh random salt when
// missing.
func DeriveKey(passphrase, saltPath string) ([]byte, error) {
	salt, err := os.ReadFile(saltPath) // #nosec G304
	switch {
	case errors.Is(err, os.ErrNotExist):
		salt = make([]byte, saltSize)
		if _, err := crypto_rand.Read(salt); err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, 0o400); err != nil {
			return nil, fmt.Errorf("crypto: writing salt: %w", err)
		}
	case err != nil:
		return nil, err
	case len(salt) != saltSize:
		return nil, fmt.Errorf("crypto: expected %d bytes of salt, got %d", saltSize, len(salt))
	}
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32), nil
}
