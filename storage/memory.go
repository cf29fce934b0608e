package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meow-io/go-identd/threepid"
)

// Memory keeps invitations for the lifetime of the process.
type Memory struct {
	lock    sync.Mutex
	invites map[string]threepid.StoredInvite
	history []HistoricalInvite
}

func NewMemory() *Memory {
	return &Memory{invites: map[string]threepid.StoredInvite{}}
}

func (m *Memory) Invites(context.Context) ([]threepid.StoredInvite, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]threepid.StoredInvite, 0, len(m.invites))
	for _, inv := range m.invites {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertInvite(_ context.Context, reply *threepid.InviteReply) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.invites[reply.ID]; ok {
		return fmt.Errorf("storage: invite %s already exists", reply.ID)
	}
	m.invites[reply.ID] = reply.Stored()
	return nil
}

func (m *Memory) DeleteInvite(_ context.Context, id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.invites, id)
	return nil
}

func (m *Memory) InsertHistoricalInvite(_ context.Context, reply *threepid.InviteReply, resolvedTo string, resolvedAt time.Time, couldPublish bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.history = append(m.history, HistoricalInvite{
		StoredInvite: reply.Stored(),
		ResolvedTo:   resolvedTo,
		ResolvedAt:   resolvedAt,
		CouldPublish: couldPublish,
	})
	return nil
}

func (m *Memory) ArchiveInvite(_ context.Context, reply *threepid.InviteReply, resolvedTo string, resolvedAt time.Time, couldPublish bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.history = append(m.history, HistoricalInvite{
		StoredInvite: reply.Stored(),
		ResolvedTo:   resolvedTo,
		ResolvedAt:   resolvedAt,
		CouldPublish: couldPublish,
	})
	delete(m.invites, reply.ID)
	return nil
}

func (m *Memory) HistoricalInvites(context.Context) ([]HistoricalInvite, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]HistoricalInvite(nil), m.history...), nil
}

func (m *Memory) Close() error {
	return nil
}
