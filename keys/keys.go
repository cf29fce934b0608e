// Package keys owns identd's Ed25519 key material. A single long-lived Regular key signs every
// outbound assertion; Ephemeral keys are minted per invitation and disabled once it is archived.
// Private keys are stored as the unpadded base64 of their 32 byte seed.
package keys

import (
	"errors"
	"fmt"
	"strings"
)

type Type int

const (
	Regular Type = iota
	Ephemeral
)

const AlgorithmEd25519 = "ed25519"

var ErrNotFound = errors.New("keys: key not found")

func (t Type) String() string {
	switch t {
	case Regular:
		return "regular"
	case Ephemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "regular":
		return Regular, nil
	case "ephemeral":
		return Ephemeral, nil
	default:
		return 0, fmt.Errorf("keys: unknown key type %q", s)
	}
}

type Identifier struct {
	Type      Type
	Algorithm string
	Serial    string
}

// ID is the "<algorithm>:<serial>" form used in signature envelopes.
func (id Identifier) ID() string {
	return id.Algorithm + ":" + id.Serial
}

func (id Identifier) String() string {
	return id.Type.String() + ":" + id.ID()
}

type Key struct {
	ID         Identifier
	Valid      bool
	PrivateKey string
}

// Store persists keys. Implementations must be safe for concurrent use.
type Store interface {
	Has(id Identifier) (bool, error)
	List(t Type) ([]Identifier, error)
	Get(id Identifier) (Key, error)
	Add(key Key) error
	Update(key Key) error
	Delete(id Identifier) error
	CurrentKey() (Identifier, bool, error)
	SetCurrentKey(id Identifier) error
}
