// Package profile answers questions about Matrix users that identity stores can provide, such
// as the roles used by the invitation policy.
package profile

import (
	"context"
	"fmt"

	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/mxid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Provider interface {
	Roles(ctx context.Context, user mxid.UserID) ([]string, error)
}

type Manager struct {
	log       *zap.SugaredLogger
	providers []Provider
}

func NewManager(c *config.Config, providers ...Provider) *Manager {
	return &Manager{log: c.Logger("profile"), providers: providers}
}

// Roles merges the roles every provider reports for user. Failing providers
// are skipped unless all of them fail.
func (m *Manager) Roles(ctx context.Context, user mxid.UserID) ([]string, error) {
	seen := map[string]bool{}
	roles := []string{}
	var errs error
	failed := 0
	for _, p := range m.providers {
		got, err := p.Roles(ctx, user)
		if err != nil {
			m.log.Warnf("role lookup for %s failed in %T: %v", user, p, err)
			errs = multierr.Append(errs, err)
			failed++
			continue
		}
		for _, r := range got {
			if !seen[r] {
				seen[r] = true
				roles = append(roles, r)
			}
		}
	}
	if failed > 0 && failed == len(m.providers) {
		return nil, fmt.Errorf("profile: roles for %s: %w", user, errs)
	}
	return roles, nil
}
