// Package sqlstore is an identity store answering 3PID lookups with configured SQL queries. Each
// query receives the lowercased medium and address and returns a "uid" column holding either
// a localpart or a full Matrix ID.
package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/lookup"
	"github.com/meow-io/go-identd/mxid"
	"github.com/meow-io/go-identd/threepid"
	"go.uber.org/zap"
)

const (
	Priority = 20

	TypeUID  = "uid"
	TypeMXID = "mxid"
)

type Store struct {
	log    *zap.SugaredLogger
	db     *sqlx.DB
	cfg    config.SQLConfig
	domain string
}

// New serves lookups from conn, which must have been opened with the driver
// named in the configuration.
func New(c *config.Config, conn *sqlx.DB) (*Store, error) {
	switch c.SQL.Type {
	case TypeUID, TypeMXID:
	default:
		return nil, fmt.Errorf("sqlstore: unknown result type %q", c.SQL.Type)
	}
	return &Store{
		log:    c.Logger("sqlstore"),
		db:     conn,
		cfg:    c.SQL,
		domain: c.Matrix.Domain,
	}, nil
}

func (s *Store) IsLocal() bool {
	return true
}

func (s *Store) Priority() int {
	return Priority
}

func (s *Store) query(medium string) string {
	if q, ok := s.cfg.Queries[strings.ToLower(medium)]; ok {
		return q
	}
	return s.cfg.Query
}

func (s *Store) toUserID(uid string) (mxid.UserID, error) {
	if s.cfg.Type == TypeMXID {
		return mxid.Parse(uid)
	}
	return mxid.Acceptable(uid, s.domain)
}

func (s *Store) Find(ctx context.Context, req threepid.LookupRequest) (lookup.Result, error) {
	q := s.query(req.Medium)
	if q == "" {
		return lookup.UnsupportedResult, nil
	}
	var uids []string
	if err := s.db.SelectContext(ctx, &uids, s.db.Rebind(q), strings.ToLower(req.Medium), strings.ToLower(req.Address)); err != nil {
		return lookup.Result{}, fmt.Errorf("sqlstore: querying %s: %w", req.ThreePid(), err)
	}
	for _, uid := range uids {
		user, err := s.toUserID(uid)
		if err != nil {
			s.log.Warnf("ignoring unusable %s %q for %s: %v", s.cfg.Type, uid, req.ThreePid(), err)
			continue
		}
		s.log.Debugf("found %s for %s", user, req.ThreePid())
		return lookup.HitResult(threepid.NewLookupReply(req, user)), nil
	}
	return lookup.MissResult, nil
}

func (s *Store) Populate(ctx context.Context, mappings []threepid.Mapping) ([]threepid.Mapping, error) {
	var out []threepid.Mapping
	for _, m := range mappings {
		res, err := s.Find(ctx, threepid.LookupRequest{Medium: m.Medium, Address: m.Address})
		if err != nil {
			return nil, err
		}
		if res.Outcome == lookup.Hit {
			out = append(out, res.Reply.Mapping())
		}
	}
	return out, nil
}

// PopulateHashes runs the configured hash query, which returns medium,
// address and mxid columns.
func (s *Store) PopulateHashes(ctx context.Context) ([]threepid.Mapping, error) {
	if s.cfg.HashQuery == "" {
		return nil, nil
	}
	var rows []threepid.Mapping
	if err := s.db.SelectContext(ctx, &rows, s.cfg.HashQuery); err != nil {
		return nil, fmt.Errorf("sqlstore: enumerating mappings: %w", err)
	}
	out := rows[:0]
	for _, row := range rows {
		user, err := s.toUserID(row.MatrixID)
		if err != nil {
			s.log.Warnf("ignoring unusable %s %q: %v", s.cfg.Type, row.MatrixID, err)
			continue
		}
		row.MatrixID = user.String()
		out = append(out, row)
	}
	return out, nil
}
