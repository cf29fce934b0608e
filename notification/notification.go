// Package notification tells people about invitations and validation sessions. Delivery is done
// by per-medium handlers; the Manager picks the configured handler for each medium.
package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/mxerr"
	"github.com/meow-io/go-identd/threepid"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// DefaultHandlerID is used for media without a configured handler.
const DefaultHandlerID = "log"

type Handler interface {
	ID() string
	Medium() string
	SendForInvite(ctx context.Context, invite threepid.MatrixIDInvite) error
	SendForReply(ctx context.Context, reply *threepid.InviteReply) error
	SendForValidation(ctx context.Context, session threepid.Session) error
	SendForUnbind(ctx context.Context, tpid threepid.ThreePid) error
}

type Manager struct {
	log      *zap.SugaredLogger
	handlers map[string]Handler
}

// NewManager selects, for every medium the handlers cover, the handler whose
// id is configured for it in notification.handler.
func NewManager(c *config.Config, handlers []Handler) (*Manager, error) {
	log := c.Logger("notification")
	byMedium := map[string]map[string]Handler{}
	for _, h := range handlers {
		medium := strings.ToLower(h.Medium())
		if byMedium[medium] == nil {
			byMedium[medium] = map[string]Handler{}
		}
		byMedium[medium][h.ID()] = h
	}

	selected := map[string]Handler{}
	for medium, candidates := range byMedium {
		id, ok := c.Notification.Handler[medium]
		if !ok {
			id = DefaultHandlerID
		}
		h, ok := candidates[id]
		if !ok {
			return nil, mxerr.Configuration("no notification handler %q for medium %s", id, medium)
		}
		log.Infof("using notification handler %s for medium %s", id, medium)
		selected[medium] = h
	}
	for medium, id := range c.Notification.Handler {
		if _, ok := selected[strings.ToLower(medium)]; !ok {
			return nil, mxerr.Configuration("notification handler %q configured for unknown medium %s", id, medium)
		}
	}
	return &Manager{log: log, handlers: selected}, nil
}

func (m *Manager) IsMediumSupported(medium string) bool {
	_, ok := m.handlers[strings.ToLower(medium)]
	return ok
}

func (m *Manager) Media() []string {
	media := maps.Keys(m.handlers)
	sort.Strings(media)
	return media
}

func (m *Manager) handler(medium string) (Handler, error) {
	h, ok := m.handlers[strings.ToLower(medium)]
	if !ok {
		return nil, mxerr.BadRequest(mxerr.CodeUnrecognized, "medium %s is not supported", medium)
	}
	return h, nil
}

func (m *Manager) SendForInvite(ctx context.Context, invite threepid.MatrixIDInvite) error {
	h, err := m.handler(invite.Medium)
	if err != nil {
		return err
	}
	if err := h.SendForInvite(ctx, invite); err != nil {
		return fmt.Errorf("notification: %s invite: %w", h.ID(), err)
	}
	return nil
}

func (m *Manager) SendForReply(ctx context.Context, reply *threepid.InviteReply) error {
	h, err := m.handler(reply.Invite.Medium)
	if err != nil {
		return err
	}
	if err := h.SendForReply(ctx, reply); err != nil {
		return fmt.Errorf("notification: %s invite reply: %w", h.ID(), err)
	}
	return nil
}

func (m *Manager) SendForValidation(ctx context.Context, session threepid.Session) error {
	h, err := m.handler(session.ThreePid.Medium)
	if err != nil {
		return err
	}
	if err := h.SendForValidation(ctx, session); err != nil {
		return fmt.Errorf("notification: %s validation: %w", h.ID(), err)
	}
	return nil
}

func (m *Manager) SendForUnbind(ctx context.Context, tpid threepid.ThreePid) error {
	h, err := m.handler(tpid.Medium)
	if err != nil {
		return err
	}
	if err := h.SendForUnbind(ctx, tpid); err != nil {
		return fmt.Errorf("notification: %s unbind: %w", h.ID(), err)
	}
	return nil
}
