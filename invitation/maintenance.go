package invitation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meow-io/go-identd/threepid"
)

// Start runs the maintenance cycle in the background: once after the startup
// delay, then on every resolution timer tick.
func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	res := m.config.Invite.Resolution

	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(res.StartupDelay):
		}
		ticker := m.clock.NewTicker(res.Timer)
		defer ticker.Stop()
		for {
			m.DoMaintenance(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	m.log.Infof("invitation maintenance every %s after %s", res.Timer, res.StartupDelay)
	return nil
}

// Shutdown stops the maintenance cycle and waits up to the drain timeout for
// lookups and publishes in flight.
func (m *Manager) Shutdown() error {
	m.taskLock.Lock()
	m.stopping = true
	m.taskLock.Unlock()
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}

	drained := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(drained)
	}()

	var err error
	timeout := m.config.Invite.Resolution.DrainTimeout
	select {
	case <-drained:
	case <-m.clock.After(timeout):
		err = fmt.Errorf("invitation: tasks still running after %s", timeout)
	}
	m.taskCancel()
	return err
}

func (m *Manager) DoMaintenance(ctx context.Context) {
	m.LookupMappingsForInvites(ctx)
	m.ExpireInvites(ctx)
}

// LookupMappingsForInvites dispatches one lookup per pending invite to the
// worker pool. It returns once every lookup has been dispatched.
func (m *Manager) LookupMappingsForInvites(ctx context.Context) {
	replies := m.ListInvites()
	if len(replies) == 0 {
		return
	}
	m.log.Infof("checking for existing mapping for %d invite(s)", len(replies))
	noStore := len(m.lookup.LocalProviders()) == 0

	for _, reply := range replies {
		if err := m.workers.Acquire(ctx, 1); err != nil {
			m.log.Debugf("stopped dispatching lookups: %v", err)
			return
		}
		if !m.startTask() {
			m.workers.Release(1)
			return
		}
		go func(reply *threepid.InviteReply) {
			defer m.tasks.Done()
			defer m.workers.Release(1)
			m.lookupMapping(reply, noStore)
		}(reply)
	}
}

func (m *Manager) lookupMapping(reply *threepid.InviteReply, noStore bool) {
	inv := reply.Invite
	found, err := m.find(m.taskCtx, inv.Medium, inv.Address)
	if err != nil {
		m.log.Errorf("lookup for invite %s failed: %v", reply.ID, err)
		return
	}
	if found == nil {
		if noStore {
			m.log.Warnf("no identity store is configured, invite %s for %s:%s stays pending", reply.ID, inv.Medium, inv.Address)
		} else {
			m.log.Debugf("no mapping for invite %s yet", reply.ID)
		}
		return
	}
	m.log.Infof("found mapping for pending invite %s: %s", reply.ID, found.MatrixID)
	m.PublishMapping(reply, found.MatrixID.String())
}

// ExpireInvites publishes every invite past its deadline to the expiration
// target. An invite with an unreadable creation time has it reset and is
// checked again next cycle.
func (m *Manager) ExpireInvites(ctx context.Context) {
	if !m.expirationEnabled {
		return
	}
	replies := m.ListInvites()
	if len(replies) == 0 {
		return
	}
	now := m.clock.Now()
	for _, reply := range replies {
		if ctx.Err() != nil {
			return
		}
		created, err := strconv.ParseInt(reply.Invite.Properties[threepid.PropertyCreatedAt], 10, 64)
		if err != nil {
			m.log.Warnf("invite %s has invalid creation time %q, resetting it", reply.ID, reply.Invite.Properties[threepid.PropertyCreatedAt])
			inv := reply.Invite.Clone()
			inv.Properties[threepid.PropertyCreatedAt] = strconv.FormatUint(m.defaultCreatedAt, 10)
			m.invites.CompareAndSwap(reply.ID, reply, reply.WithInvite(inv))
			continue
		}
		expiry := time.UnixMilli(created).Add(m.expireAfter)
		if now.Before(expiry) {
			continue
		}
		m.log.Infof("invite %s expired at %s, resolving to %s", reply.ID, expiry.UTC().Format(time.RFC3339), m.resolveTo)
		m.PublishMapping(reply, m.resolveTo.String())
	}
}

// ExpireInvite publishes one pending invite to the expiration target now.
func (m *Manager) ExpireInvite(id string) error {
	reply, err := m.GetInvite(id)
	if err != nil {
		return err
	}
	if m.resolveTo.IsZero() {
		return fmt.Errorf("invitation: expiration is disabled")
	}
	m.PublishMapping(reply, m.resolveTo.String())
	return nil
}

// PublishMappingIfInvited publishes mapping for every pending invite to its
// 3PID.
func (m *Manager) PublishMappingIfInvited(mapping threepid.Mapping) {
	for _, reply := range m.ListInvites() {
		if !mapping.ThreePid().Matches(reply.Invite.Medium, reply.Invite.Address) {
			continue
		}
		m.log.Infof("mapping %s:%s -> %s matches pending invite %s", mapping.Medium, mapping.Address, mapping.MatrixID, reply.ID)
		m.PublishMapping(reply, mapping.MatrixID)
	}
}

// startTask registers a background task unless the manager is shutting down.
func (m *Manager) startTask() bool {
	m.taskLock.Lock()
	defer m.taskLock.Unlock()
	if m.stopping {
		return false
	}
	m.tasks.Add(1)
	return true
}
