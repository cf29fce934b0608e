// Package memory is an identity store backed by the identities listed in the configuration. It
// answers 3PID lookups, enumerates its mappings for hash lookups and reports user roles.
package memory

import (
	"context"
	"math"
	"strings"

	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/lookup"
	"github.com/meow-io/go-identd/mxid"
	"github.com/meow-io/go-identd/threepid"
	"go.uber.org/zap"
)

const Priority = math.MaxInt32

type Store struct {
	log    *zap.SugaredLogger
	domain string
	cfg    config.MemoryConfig
}

func NewStore(c *config.Config) *Store {
	return &Store{
		log:    c.Logger("memory"),
		domain: c.Matrix.Domain,
		cfg:    c.Memory,
	}
}

func (s *Store) IsLocal() bool {
	return true
}

func (s *Store) Priority() int {
	return Priority
}

func (s *Store) userID(username string) (mxid.UserID, error) {
	return mxid.Acceptable(username, s.domain)
}

func (s *Store) Find(_ context.Context, req threepid.LookupRequest) (lookup.Result, error) {
	s.log.Debugf("looking up %s", req.ThreePid())
	for _, id := range s.cfg.Identities {
		for _, tpid := range id.ThreePids {
			if !strings.EqualFold(tpid.Medium, req.Medium) || !strings.EqualFold(tpid.Address, req.Address) {
				continue
			}
			user, err := s.userID(id.Username)
			if err != nil {
				return lookup.Result{}, err
			}
			return lookup.HitResult(threepid.NewLookupReply(req, user)), nil
		}
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

// PopulateHashes lists every configured mapping when hash lookups are enabled.
func (s *Store) PopulateHashes(context.Context) ([]threepid.Mapping, error) {
	if !s.cfg.HashEnabled {
		return nil, nil
	}
	var out []threepid.Mapping
	for _, id := range s.cfg.Identities {
		user, err := s.userID(id.Username)
		if err != nil {
			s.log.Warnf("skipping identity %q: %v", id.Username, err)
			continue
		}
		for _, tpid := range id.ThreePids {
			out = append(out, threepid.Mapping{Medium: tpid.Medium, Address: tpid.Address, MatrixID: user.String()})
		}
	}
	return out, nil
}

// Roles returns the roles of the identity whose username matches user's
// localpart on this store's domain.
func (s *Store) Roles(_ context.Context, user mxid.UserID) ([]string, error) {
	if !strings.EqualFold(user.Domain(), s.domain) {
		return nil, nil
	}
	for _, id := range s.cfg.Identities {
		if strings.EqualFold(id.Username, user.Localpart()) {
			return append([]string(nil), id.Roles...), nil
		}
	}
	return nil, nil
}
