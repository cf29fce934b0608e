package keys

import (
	"bytes"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/ids"
	"github.com/meow-io/go-identd/mxerr"
	"go.uber.org/zap"
)

// Encoding is the unpadded base64 Matrix uses for keys and signatures.
var Encoding = base64.RawStdEncoding

type Manager struct {
	log   *zap.SugaredLogger
	store Store
	lock  sync.Mutex
}

// NewManager wraps store and makes sure a valid server signing key exists.
func NewManager(c *config.Config, store Store) (*Manager, error) {
	m := &Manager{
		log:   c.Logger("keys"),
		store: store,
	}
	if err := m.ensureServerKey(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) ensureServerKey() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	id, ok, err := m.store.CurrentKey()
	if err != nil {
		return fmt.Errorf("keys: reading current key: %w", err)
	}
	if ok {
		key, err := m.store.Get(id)
		switch {
		case err == nil && key.Valid:
			m.log.Debugf("using server signing key %s", id.ID())
			return nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return fmt.Errorf("keys: reading server signing key %s: %w", id.ID(), err)
		}
		m.log.Warnf("current server signing key %s is unusable, generating a new one", id.ID())
	}
	id, err = m.generate(Regular)
	if err != nil {
		return err
	}
	if err := m.store.SetCurrentKey(id); err != nil {
		return fmt.Errorf("keys: setting current key: %w", err)
	}
	m.log.Infof("generated server signing key %s", id.ID())
	return nil
}

// ServerSigningKey returns the Regular key used for outward assertions.
func (m *Manager) ServerSigningKey() (Identifier, error) {
	id, ok, err := m.store.CurrentKey()
	if err != nil {
		return Identifier{}, err
	}
	if !ok {
		return Identifier{}, mxerr.NotFound("no server signing key")
	}
	return id, nil
}

func (m *Manager) GenerateKey(t Type) (Identifier, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.generate(t)
}

func (m *Manager) generate(t Type) (Identifier, error) {
	var id Identifier
	for {
		id = Identifier{Type: t, Algorithm: AlgorithmEd25519, Serial: ids.NewSerial()}
		exists, err := m.store.Has(id)
		if err != nil {
			return Identifier{}, err
		}
		if !exists {
			break
		}
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := crypto_rand.Read(seed); err != nil {
		return Identifier{}, mxerr.Crypto(err, "generating %s key", t)
	}
	if err := m.store.Add(Key{ID: id, Valid: true, PrivateKey: Encoding.EncodeToString(seed)}); err != nil {
		return Identifier{}, fmt.Errorf("keys: storing %s: %w", id, err)
	}
	return id, nil
}

func (m *Manager) Key(id Identifier) (Key, error) {
	key, err := m.store.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Key{}, mxerr.Wrap(mxerr.KindNotFound, mxerr.CodeNotFound, err, "unknown key %s", id)
		}
		return Key{}, err
	}
	return key, nil
}

func (m *Manager) PrivateKey(id Identifier) (ed25519.PrivateKey, error) {
	key, err := m.Key(id)
	if err != nil {
		return nil, err
	}
	return decodePrivateKey(key)
}

func decodePrivateKey(key Key) (ed25519.PrivateKey, error) {
	if key.ID.Algorithm != AlgorithmEd25519 {
		return nil, mxerr.Crypto(nil, "unsupported key algorithm %s", key.ID.Algorithm)
	}
	seed, err := Encoding.DecodeString(key.PrivateKey)
	if err != nil {
		return nil, mxerr.Crypto(err, "decoding key %s", key.ID)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, mxerr.Crypto(nil, "key %s has %d byte seed", key.ID, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (m *Manager) PublicKey(id Identifier) (ed25519.PublicKey, error) {
	priv, err := m.PrivateKey(id)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

func (m *Manager) PublicKeyBase64(id Identifier) (string, error) {
	pub, err := m.PublicKey(id)
	if err != nil {
		return "", err
	}
	return Encoding.EncodeToString(pub), nil
}

// IsValid reports whether publicKeyBase64 belongs to a key of type t that has
// not been disabled.
func (m *Manager) IsValid(t Type, publicKeyBase64 string) (bool, error) {
	want, err := Encoding.DecodeString(publicKeyBase64)
	if err != nil {
		return false, nil
	}
	list, err := m.store.List(t)
	if err != nil {
		return false, err
	}
	for _, id := range list {
		key, err := m.store.Get(id)
		if err != nil {
			return false, err
		}
		if !key.Valid {
			continue
		}
		priv, err := decodePrivateKey(key)
		if err != nil {
			m.log.Warnf("skipping unreadable key %s: %v", id, err)
			continue
		}
		if bytes.Equal(priv.Public().(ed25519.PublicKey), want) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) DisableKey(id Identifier) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	key, err := m.Key(id)
	if err != nil {
		return err
	}
	if !key.Valid {
		return nil
	}
	key.Valid = false
	if err := m.store.Update(key); err != nil {
		return fmt.Errorf("keys: disabling %s: %w", id, err)
	}
	m.log.Debugf("disabled key %s", id)
	return nil
}
