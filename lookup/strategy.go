package lookup

import (
	"context"
	"fmt"
	"sync"

	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/threepid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

type Strategy struct {
	log             *zap.SugaredLogger
	registry        *Registry
	bulkConcurrency int
}

func NewStrategy(c *config.Config, registry *Registry) *Strategy {
	concurrency := c.Lookup.BulkConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Strategy{
		log:             c.Logger("lookup"),
		registry:        registry,
		bulkConcurrency: concurrency,
	}
}

func (s *Strategy) ordered(usable func(Provider) bool) []Provider {
	var out []Provider
	for _, p := range s.registry.Providers() {
		if usable(p) {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b Provider) int {
		return b.Priority() - a.Priority()
	})
	return out
}

func isLocal(p Provider) bool  { return p.IsLocal() }
func isRemote(p Provider) bool { return !p.IsLocal() }

func (s *Strategy) LocalProviders() []Provider {
	return s.ordered(isLocal)
}

func (s *Strategy) RemoteProviders() []Provider {
	return s.ordered(isRemote)
}

// Find resolves medium/address against local providers, and against remote
// providers as well when recursive is set. A nil reply with a nil error is a
// miss.
func (s *Strategy) Find(ctx context.Context, medium, address string, recursive bool) (*threepid.LookupReply, error) {
	return s.FindRequest(ctx, threepid.LookupRequest{Medium: medium, Address: address, Recursive: recursive})
}

func (s *Strategy) FindRequest(ctx context.Context, req threepid.LookupRequest) (*threepid.LookupReply, error) {
	return s.find(ctx, req, func(p Provider) bool {
		return p.IsLocal() || req.Recursive
	})
}

func (s *Strategy) FindRecursive(ctx context.Context, req threepid.LookupRequest) (*threepid.LookupReply, error) {
	req.Recursive = true
	return s.FindRequest(ctx, req)
}

func (s *Strategy) FindLocal(ctx context.Context, medium, address string) (*threepid.LookupReply, error) {
	return s.find(ctx, threepid.LookupRequest{Medium: medium, Address: address}, isLocal)
}

func (s *Strategy) FindRemote(ctx context.Context, medium, address string) (*threepid.LookupReply, error) {
	return s.find(ctx, threepid.LookupRequest{Medium: medium, Address: address, Recursive: true}, isRemote)
}

// find stops at the first hit. Provider failures do not stop the search; they
// are only returned when no provider answered.
func (s *Strategy) find(ctx context.Context, req threepid.LookupRequest, usable func(Provider) bool) (*threepid.LookupReply, error) {
	var errs error
	for _, p := range s.ordered(usable) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := p.Find(ctx, req)
		if err != nil {
			s.log.Warnf("provider %T failed to look up %s: %v", p, req.ThreePid(), err)
			errs = multierr.Append(errs, fmt.Errorf("lookup: %T: %w", p, err))
			continue
		}
		switch res.Outcome {
		case Hit:
			s.log.Debugf("found %s via %T: %s", req.ThreePid(), p, res.Reply.MatrixID)
			return res.Reply, nil
		case Unsupported:
			s.log.Debugf("provider %T does not support medium %s", p, req.Medium)
		default:
			s.log.Debugf("no match for %s in %T", req.ThreePid(), p)
		}
	}
	return nil, errs
}

// FindBulk resolves every mapping concurrently and returns the resolved ones
// in request order. Unresolved and failed entries are omitted.
func (s *Strategy) FindBulk(ctx context.Context, req threepid.BulkLookupRequest) ([]threepid.Mapping, error) {
	if len(req.Mappings) == 0 {
		return []threepid.Mapping{}, nil
	}

	results := make([]*threepid.Mapping, len(req.Mappings))
	var lock sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.bulkConcurrency)
	for i, m := range req.Mappings {
		i, m := i, m
		g.Go(func() error {
			reply, err := s.FindRequest(gctx, threepid.LookupRequest{Medium: m.Medium, Address: m.Address, Recursive: req.Recursive})
			if err != nil {
				s.log.Warnf("bulk lookup of %s failed: %v", m.ThreePid(), err)
				return nil
			}
			if reply == nil {
				return nil
			}
			found := reply.Mapping()
			lock.Lock()
			results[i] = &found
			lock.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]threepid.Mapping, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	s.log.Infof("bulk lookup resolved %d of %d mappings", len(out), len(req.Mappings))
	return out, nil
}
