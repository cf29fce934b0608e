// Package lookup resolves third-party identifiers to Matrix IDs by consulting an ordered set of
// identity store providers. Providers are ordered by descending priority, ties broken by
// registration order; local providers are always consulted, remote ones only for recursive
// lookups.
package lookup

import (
	"context"
	"sync"

	"github.com/meow-io/go-identd/threepid"
)

type Outcome int

const (
	Miss Outcome = iota
	Hit
	// Unsupported means the provider is not configured for the medium.
	Unsupported
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Unsupported:
		return "unsupported"
	default:
		return "miss"
	}
}

type Result struct {
	Outcome Outcome
	Reply   *threepid.LookupReply
}

func HitResult(reply *threepid.LookupReply) Result {
	return Result{Outcome: Hit, Reply: reply}
}

var (
	MissResult        = Result{Outcome: Miss}
	UnsupportedResult = Result{Outcome: Unsupported}
)

// Provider is an identity store able to answer 3PID lookups.
type Provider interface {
	IsLocal() bool
	Priority() int
	Find(ctx context.Context, req threepid.LookupRequest) (Result, error)
	// Populate returns the subset of mappings the provider knows, with
	// MatrixID filled in.
	Populate(ctx context.Context, mappings []threepid.Mapping) ([]threepid.Mapping, error)
}

// HashPopulator is implemented by providers that can enumerate every mapping
// they hold.
type HashPopulator interface {
	PopulateHashes(ctx context.Context) ([]threepid.Mapping, error)
}

// PopulateHashes enumerates p, returning nothing when p cannot enumerate.
func PopulateHashes(ctx context.Context, p Provider) ([]threepid.Mapping, error) {
	if hp, ok := p.(HashPopulator); ok {
		return hp.PopulateHashes(ctx)
	}
	return nil, nil
}

// Registry is the list of providers built during startup.
type Registry struct {
	lock      sync.RWMutex
	providers []Provider
}

func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

func (r *Registry) Register(p ...Provider) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.providers = append(r.providers, p...)
}

// Providers returns the providers in registration order.
func (r *Registry) Providers() []Provider {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return append([]Provider(nil), r.providers...)
}
