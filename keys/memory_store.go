package keys

import (
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	lock    sync.RWMutex
	keys    map[Identifier]Key
	current *Identifier
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: map[Identifier]Key{}}
}

func (s *MemoryStore) Has(id Identifier) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.keys[id]
	return ok, nil
}

func (s *MemoryStore) List(t Type) ([]Identifier, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var out []Identifier
	for id := range s.keys {
		if id.Type == t {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (s *MemoryStore) Get(id Identifier) (Key, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return Key{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return k, nil
}

func (s *MemoryStore) Add(key Key) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return fmt.Errorf("keys: %s already exists", key.ID)
	}
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Update(key Key) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key.ID)
	}
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(id Identifier) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.keys, id)
	if s.current != nil && *s.current == id {
		s.current = nil
	}
	return nil
}

func (s *MemoryStore) CurrentKey() (Identifier, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.current == nil {
		return Identifier{}, false, nil
	}
	return *s.current, true, nil
}

func (s *MemoryStore) SetCurrentKey(id Identifier) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.keys[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.current = &id
	return nil
}
