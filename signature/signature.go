// Package signature signs and verifies identd's federation payloads with Ed25519. JSON is always
// canonicalized before it is signed, and signatures travel in the Matrix "signatures" envelope.
package signature

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-identd/canonicaljson"
	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/keys"
	"github.com/meow-io/go-identd/mxerr"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

type Signature struct {
	Key   keys.Identifier
	Value string
}

// Envelope maps a signing domain to key ids and their signatures.
type Envelope map[string]map[string]string

type Manager struct {
	log    *zap.SugaredLogger
	keys   *keys.Manager
	domain string
}

func NewManager(c *config.Config, km *keys.Manager) *Manager {
	return &Manager{
		log:    c.Logger("signature"),
		keys:   km,
		domain: c.Server.Name,
	}
}

// Domain is the server name used when signing as this server.
func (m *Manager) Domain() string {
	return m.domain
}

// Sign signs data exactly as given with the server signing key.
func (m *Manager) Sign(data []byte) (Signature, error) {
	id, err := m.keys.ServerSigningKey()
	if err != nil {
		return Signature{}, err
	}
	return m.SignWith(id, data)
}

func (m *Manager) SignWith(id keys.Identifier, data []byte) (Signature, error) {
	priv, err := m.keys.PrivateKey(id)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Key: id, Value: keys.Encoding.EncodeToString(ed25519.Sign(priv, data))}, nil
}

// SignJSON signs the canonical form of message. Existing "signatures" and
// "unsigned" members are excluded from the signed bytes.
func (m *Manager) SignJSON(message []byte) (Signature, error) {
	canonical, err := signable(message)
	if err != nil {
		return Signature{}, err
	}
	return m.Sign(canonical)
}

// SignMessage returns message's signature wrapped for domain.
func (m *Manager) SignMessage(domain string, message []byte) (Envelope, error) {
	sig, err := m.SignJSON(message)
	if err != nil {
		return nil, err
	}
	return Envelope{domain: {sig.Key.ID(): sig.Value}}, nil
}

// Attach signs message for domain and returns it in canonical form with the
// signature merged into its "signatures" member.
func (m *Manager) Attach(domain string, message []byte) ([]byte, error) {
	envelope, err := m.SignMessage(domain, message)
	if err != nil {
		return nil, err
	}
	existing := Envelope{}
	if raw := gjson.GetBytes(message, "signatures"); raw.Exists() {
		if err := json.Unmarshal([]byte(raw.Raw), &existing); err != nil {
			return nil, fmt.Errorf("signature: malformed signatures member: %w", err)
		}
	}
	for d, sigs := range envelope {
		if existing[d] == nil {
			existing[d] = map[string]string{}
		}
		for k, v := range sigs {
			existing[d][k] = v
		}
	}
	raw, err := json.Marshal(existing)
	if err != nil {
		return nil, err
	}
	signed, err := sjson.SetRawBytes(message, "signatures", raw)
	if err != nil {
		return nil, fmt.Errorf("signature: attaching signatures: %w", err)
	}
	return canonicaljson.Canonicalize(signed)
}

// Verify never fails on a bad signature, only on a malformed public key.
func (m *Manager) Verify(pub ed25519.PublicKey, signature string, data []byte) (bool, error) {
	return Verify(pub, signature, data)
}

func Verify(pub ed25519.PublicKey, signature string, data []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, mxerr.Crypto(nil, "public key has %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	sig, err := keys.Encoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifyJSON checks the signature domain/keyID placed on message.
func VerifyJSON(pub ed25519.PublicKey, domain, keyID string, message []byte) (bool, error) {
	sig := gjson.GetBytes(message, "signatures").Get(gjson.Escape(domain)).Get(gjson.Escape(keyID))
	if sig.Type != gjson.String {
		return false, nil
	}
	canonical, err := signable(message)
	if err != nil {
		return false, err
	}
	return Verify(pub, sig.Str, canonical)
}

func signable(message []byte) ([]byte, error) {
	if !gjson.ValidBytes(message) || !gjson.ParseBytes(message).IsObject() {
		return nil, mxerr.BadRequest(mxerr.CodeBadJSON, "only JSON objects can be signed")
	}
	stripped, err := sjson.DeleteBytes(message, "signatures")
	if err != nil {
		return nil, err
	}
	if stripped, err = sjson.DeleteBytes(stripped, "unsigned"); err != nil {
		return nil, err
	}
	return canonicaljson.Canonicalize(stripped)
}
