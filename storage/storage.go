// Package storage persists pending invitations and the historical record of resolved ones.
// Every call is synchronous and safe to make while the invitation manager holds its lock.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/internal/db"
	"github.com/meow-io/go-identd/threepid"
)

// HistoricalInvite is an archived invitation and how it was resolved.
type HistoricalInvite struct {
	threepid.StoredInvite
	ResolvedTo   string
	ResolvedAt   time.Time
	CouldPublish bool
}

type Storage interface {
	Invites(ctx context.Context) ([]threepid.StoredInvite, error)
	InsertInvite(ctx context.Context, reply *threepid.InviteReply) error
	// DeleteInvite succeeds when id is not stored.
	DeleteInvite(ctx context.Context, id string) error
	InsertHistoricalInvite(ctx context.Context, reply *threepid.InviteReply, resolvedTo string, resolvedAt time.Time, couldPublish bool) error
	// ArchiveInvite records reply as resolved and deletes the pending row as
	// one write. On error neither change is visible.
	ArchiveInvite(ctx context.Context, reply *threepid.InviteReply, resolvedTo string, resolvedAt time.Time, couldPublish bool) error
	HistoricalInvites(ctx context.Context) ([]HistoricalInvite, error)
	Close() error
}

// Open returns the backend named by storage.backend.
func Open(c *config.Config) (Storage, error) {
	switch c.Storage.Backend {
	case config.StorageMemory:
		return NewMemory(), nil
	case config.StorageSQLite:
		d, err := db.Open(c, db.DriverSQLite, c.StoragePath())
		if err != nil {
			return nil, err
		}
		return NewSQL(c, d)
	case config.StoragePostgres:
		d, err := db.Open(c, db.DriverPostgres, c.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQL(c, d)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
}
