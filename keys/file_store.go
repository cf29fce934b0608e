package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/meow-io/go-identd/crypto"
)

const currentKeyFile = "current"

type fileRecord struct {
	Valid bool   `json:"valid"`
	Key   string `json:"key"`
}

// FileStore keeps one file per key under <root>/<type>/<algorithm>/<serial>.
// When a sealing key is given every file is encrypted with it.
type FileStore struct {
	lock    sync.RWMutex
	root    string
	sealKey []byte
}

func NewFileStore(root string, sealKey []byte) (*FileStore, error) {
	for _, t := range []Type{Regular, Ephemeral} {
		if err := os.MkdirAll(filepath.Join(root, t.String()), 0o700); err != nil {
			return nil, fmt.Errorf("keys: creating key directory: %w", err)
		}
	}
	return &FileStore{root: root, sealKey: sealKey}, nil
}

func (s *FileStore) path(id Identifier) (string, error) {
	for _, part := range []string{id.Algorithm, id.Serial} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return "", fmt.Errorf("keys: invalid identifier %s", id)
		}
	}
	return filepath.Join(s.root, id.Type.String(), id.Algorithm, id.Serial), nil
}

func (s *FileStore) Has(id Identifier) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	p, err := s.path(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) List(t Type) ([]Identifier, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	algos, err := os.ReadDir(filepath.Join(s.root, t.String()))
	if err != nil {
		return nil, err
	}
	var out []Identifier
	for _, algo := range algos {
		if !algo.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, t.String(), algo.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.HasSuffix(e.Name(), ".tmp") {
				out = append(out, Identifier{Type: t, Algorithm: algo.Name(), Serial: e.Name()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (s *FileStore) Get(id Identifier) (Key, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.read(id)
}

func (s *FileStore) read(id Identifier) (Key, error) {
	p, err := s.path(id)
	if err != nil {
		return Key{}, err
	}
	data, err := os.ReadFile(p) // #nosec G304
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Key{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Key{}, err
	}
	if s.sealKey != nil {
		if data, err = crypto.Open(s.sealKey, data, []byte(id.String())); err != nil {
			return Key{}, fmt.Errorf("keys: unsealing %s: %w", id, err)
		}
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Key{}, fmt.Errorf("keys: decoding %s: %w", id, err)
	}
	return Key{ID: id, Valid: rec.Valid, PrivateKey: rec.Key}, nil
}

func (s *FileStore) write(key Key) error {
	p, err := s.path(key.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(fileRecord{Valid: key.Valid, Key: key.PrivateKey})
	if err != nil {
		return err
	}
	if s.sealKey != nil {
		if data, err = crypto.Seal(s.sealKey, data, []byte(key.ID.String())); err != nil {
			return err
		}
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *FileStore) Add(key Key) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	p, err := s.path(key.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		return fmt.Errorf("keys: %s already exists", key.ID)
	}
	return s.write(key)
}

func (s *FileStore) Update(key Key) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, err := s.read(key.ID); err != nil {
		return err
	}
	return s.write(key)
}

func (s *FileStore) Delete(id Identifier) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) CurrentKey() (Identifier, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.root, currentKeyFile)) // #nosec G304
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identifier{}, false, nil
		}
		return Identifier{}, false, err
	}
	algo, serial, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !ok {
		return Identifier{}, false, fmt.Errorf("keys: malformed current key %q", data)
	}
	return Identifier{Type: Regular, Algorithm: algo, Serial: serial}, true, nil
}

func (s *FileStore) SetCurrentKey(id Identifier) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if id.Type != Regular {
		return fmt.Errorf("keys: current key must be regular, got %s", id)
	}
	if _, err := s.read(id); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.root, currentKeyFile), []byte(id.ID()), 0o600)
}
