package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/internal/db"
	"github.com/meow-io/go-identd/migration"
	"github.com/meow-io/go-identd/threepid"
	"go.uber.org/zap"
)

type inviteRow struct {
	ID         string `db:"id"`
	Token      string `db:"token"`
	Sender     string `db:"sender"`
	Medium     string `db:"medium"`
	Address    string `db:"address"`
	RoomID     string `db:"room_id"`
	Properties string `db:"properties"`
}

type historyRow struct {
	inviteRow
	ResolvedTo   string `db:"resolved_to"`
	ResolvedAt   int64  `db:"resolved_at"`
	CouldPublish bool   `db:"could_publish"`
}

func (r inviteRow) stored() (threepid.StoredInvite, error) {
	props := map[string]string{}
	if r.Properties != "" {
		if err := json.Unmarshal([]byte(r.Properties), &props); err != nil {
			return threepid.StoredInvite{}, fmt.Errorf("storage: properties of invite %s: %w", r.ID, err)
		}
	}
	return threepid.StoredInvite{
		ID:         r.ID,
		Token:      r.Token,
		Sender:     r.Sender,
		Medium:     r.Medium,
		Address:    r.Address,
		RoomID:     r.RoomID,
		Properties: props,
	}, nil
}

func newInviteRow(reply *threepid.InviteReply) (inviteRow, error) {
	s := reply.Stored()
	props, err := json.Marshal(s.Properties)
	if err != nil {
		return inviteRow{}, err
	}
	return inviteRow{
		ID:         s.ID,
		Token:      s.Token,
		Sender:     s.Sender,
		Medium:     s.Medium,
		Address:    s.Address,
		RoomID:     s.RoomID,
		Properties: string(props),
	}, nil
}

type SQLStorage struct {
	log *zap.SugaredLogger
	db  *db.Database
}

func NewSQL(c *config.Config, d *db.Database) (*SQLStorage, error) {
	if err := d.Migrate("invites", []*migration.Migration{
		{
			Name: "create invite tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE invite_3pid (
	id VARCHAR(255) PRIMARY KEY,
	token VARCHAR(255) NOT NULL,
	sender VARCHAR(255) NOT NULL,
	medium VARCHAR(255) NOT NULL,
	address VARCHAR(255) NOT NULL,
	room_id VARCHAR(255) NOT NULL,
	properties TEXT NOT NULL
);

CREATE TABLE invite_3pid_hist (
	id VARCHAR(255) NOT NULL,
	token VARCHAR(255) NOT NULL,
	sender VARCHAR(255) NOT NULL,
	medium VARCHAR(255) NOT NULL,
	address VARCHAR(255) NOT NULL,
	room_id VARCHAR(255) NOT NULL,
	properties TEXT NOT NULL,
	resolved_to VARCHAR(255) NOT NULL,
	resolved_at BIGINT NOT NULL,
	could_publish BOOLEAN NOT NULL
);

CREATE INDEX invite_3pid_hist_id ON invite_3pid_hist (id);
`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &SQLStorage{log: c.Logger("storage"), db: d}, nil
}

func (s *SQLStorage) Invites(ctx context.Context) ([]threepid.StoredInvite, error) {
	var rows []inviteRow
	if err := s.db.Run(ctx, "list invites", func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &rows, `SELECT id, token, sender, medium, address, room_id, properties FROM invite_3pid ORDER BY id`)
	}); err != nil {
		return nil, err
	}
	out := make([]threepid.StoredInvite, 0, len(rows))
	for _, r := range rows {
		inv, err := r.stored()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func (s *SQLStorage) InsertInvite(ctx context.Context, reply *threepid.InviteReply) error {
	row, err := newInviteRow(reply)
	if err != nil {
		return err
	}
	return s.db.Run(ctx, "insert invite", func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO invite_3pid (id, token, sender, medium, address, room_id, properties)
			VALUES (:id, :token, :sender, :medium, :address, :room_id, :properties)`, row)
		return err
	})
}

func (s *SQLStorage) DeleteInvite(ctx context.Context, id string) error {
	return s.db.Run(ctx, "delete invite", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM invite_3pid WHERE id = ?`), id)
		return err
	})
}

func (s *SQLStorage) InsertHistoricalInvite(ctx context.Context, reply *threepid.InviteReply, resolvedTo string, resolvedAt time.Time, couldPublish bool) error {
	hist, err := newHistoryRow(reply, resolvedTo, resolvedAt, couldPublish)
	if err != nil {
		return err
	}
	s.log.Debugf("recording invite %s as resolved to %s", hist.ID, resolvedTo)
	return s.db.Run(ctx, "insert historical invite", func(tx *sqlx.Tx) error {
		return insertHistory(ctx, tx, hist)
	})
}

func (s *SQLStorage) ArchiveInvite(ctx context.Context, reply *threepid.InviteReply, resolvedTo string, resolvedAt time.Time, couldPublish bool) error {
	hist, err := newHistoryRow(reply, resolvedTo, resolvedAt, couldPublish)
	if err != nil {
		return err
	}
	s.log.Debugf("archiving invite %s as resolved to %s", hist.ID, resolvedTo)
	return s.db.Run(ctx, "archive invite", func(tx *sqlx.Tx) error {
		if err := insertHistory(ctx, tx, hist); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM invite_3pid WHERE id = ?`), hist.ID)
		return err
	})
}

func newHistoryRow(reply *threepid.InviteReply, resolvedTo string, resolvedAt time.Time, couldPublish bool) (historyRow, error) {
	row, err := newInviteRow(reply)
	if err != nil {
		return historyRow{}, err
	}
	return historyRow{inviteRow: row, ResolvedTo: resolvedTo, ResolvedAt: resolvedAt.UnixMilli(), CouldPublish: couldPublish}, nil
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, hist historyRow) error {
	_, err := tx.NamedExecContext(ctx, `INSERT INTO invite_3pid_hist
		(id, token, sender, medium, address, room_id, properties, resolved_to, resolved_at, could_publish)
		VALUES (:id, :token, :sender, :medium, :address, :room_id, :properties, :resolved_to, :resolved_at, :could_publish)`, hist)
	return err
}

func (s *SQLStorage) HistoricalInvites(ctx context.Context) ([]HistoricalInvite, error) {
	var rows []historyRow
	if err := s.db.Run(ctx, "list historical invites", func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &rows, `SELECT id, token, sender, medium, address, room_id, properties, resolved_to, resolved_at, could_publish
			FROM invite_3pid_hist ORDER BY resolved_at, id`)
	}); err != nil {
		return nil, err
	}
	out := make([]HistoricalInvite, 0, len(rows))
	for _, r := range rows {
		inv, err := r.stored()
		if err != nil {
			return nil, err
		}
		out = append(out, HistoricalInvite{
			StoredInvite: inv,
			ResolvedTo:   r.ResolvedTo,
			ResolvedAt:   time.UnixMilli(r.ResolvedAt),
			CouldPublish: r.CouldPublish,
		})
	}
	return out, nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}
