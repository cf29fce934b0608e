package notification

import (
	"context"

	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/threepid"
	"go.uber.org/zap"
)

// LogHandler records notifications in the log instead of delivering them.
// It serves deployments where invitees are told out of band.
type LogHandler struct {
	log    *zap.SugaredLogger
	medium string
}

func NewLogHandler(c *config.Config, medium string) *LogHandler {
	return &LogHandler{log: c.Logger("notification/" + medium), medium: medium}
}

func (h *LogHandler) ID() string {
	return DefaultHandlerID
}

func (h *LogHandler) Medium() string {
	return h.medium
}

func (h *LogHandler) SendForInvite(_ context.Context, invite threepid.MatrixIDInvite) error {
	h.log.Infof("invite from %s to %s for room %s via %s", invite.Sender, invite.Invitee, invite.RoomID, invite.Address)
	return nil
}

func (h *LogHandler) SendForReply(_ context.Context, reply *threepid.InviteReply) error {
	h.log.Infof("3PID invite %s from %s to %s for room %s", reply.ID, reply.Invite.Sender, reply.Invite.Address, reply.Invite.RoomID)
	return nil
}

func (h *LogHandler) SendForValidation(_ context.Context, session threepid.Session) error {
	h.log.Infof("validation session %s for %s", session.ID, session.ThreePid)
	return nil
}

func (h *LogHandler) SendForUnbind(_ context.Context, tpid threepid.ThreePid) error {
	h.log.Infof("unbind of %s", tpid)
	return nil
}
