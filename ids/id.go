// This package defines the random identifiers used through out identd. Opaque IDs are random 16 byte
// values, tokens and key serials are drawn from an alphanumeric alphabet.
package ids

import (
	crypto_rand "crypto/rand"
	"encoding/base64"
	"io"
	"math/big"
)

const (
	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	TokenLength  = 64
	SerialLength = 8
)

type ID [16]byte

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// RandomAlphanumeric returns n characters chosen uniformly from [A-Za-z0-9].
func RandomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(alphanumeric)))
	out := make([]byte, n)
	for i := range out {
		v, err := crypto_rand.Int(crypto_rand.Reader, max)
		if err != nil {
			panic("short read from random source")
		}
		out[i] = alphanumeric[v.Int64()]
	}
	return string(out)
}

func NewToken() string {
	return RandomAlphanumeric(TokenLength)
}

func NewSerial() string {
	return RandomAlphanumeric(SerialLength)
}
