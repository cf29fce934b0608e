package invitation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/meow-io/go-identd/canonicaljson"
	"github.com/meow-io/go-identd/homeserver"
	"github.com/meow-io/go-identd/mxerr"
	"github.com/meow-io/go-identd/threepid"
)

const (
	onBindPath      = "/_matrix/federation/v1/3pid/onbind"
	maxResponseBody = 64 << 10
)

// PublishMapping tells the inviting homeserver that reply now resolves to
// matrixID and archives the invite unless the homeserver should be tried
// again later. It returns immediately; a publish already running for the
// same invite is not started twice.
func (m *Manager) PublishMapping(reply *threepid.InviteReply, matrixID string) {
	if _, running := m.publishing.LoadOrStore(reply.ID, struct{}{}); running {
		m.log.Debugf("publish for invite %s is already in flight", reply.ID)
		return
	}
	if !m.startTask() {
		m.publishing.Delete(reply.ID)
		return
	}
	go func() {
		defer m.tasks.Done()
		defer m.publishing.Delete(reply.ID)
		ctx, cancel := context.WithTimeout(m.taskCtx, m.config.Invite.Publish.Timeout)
		defer cancel()
		m.publish(ctx, reply, matrixID)
	}()
}

func (m *Manager) publish(ctx context.Context, reply *threepid.InviteReply, matrixID string) {
	err := m.deliver(ctx, reply, matrixID)
	switch {
	case err == nil:
		m.archive(context.WithoutCancel(ctx), reply.ID, matrixID, true)
	case mxerr.Is(err, mxerr.KindPeerRejection):
		m.log.Errorf("homeserver refused binding of invite %s to %s: %v", reply.ID, matrixID, err)
		m.log.Warnf("invite %s can be found in historical storage for manual re-processing", reply.ID)
		m.archive(context.WithoutCancel(ctx), reply.ID, matrixID, false)
	default:
		m.log.Warnf("unable to publish invite %s to %s, it stays pending: %v", reply.ID, matrixID, err)
	}
}

// deliver posts the binding. A nil error or a peer rejection is final; any
// other error leaves the invite pending.
func (m *Manager) deliver(ctx context.Context, reply *threepid.InviteReply, matrixID string) error {
	domain := reply.Invite.Sender.Domain()
	target, err := m.resolver.Resolve(ctx, domain)
	if err != nil {
		return mxerr.Transient(err, "resolving homeserver %s", domain)
	}
	body, err := m.onBindPayload(reply, matrixID)
	if err != nil {
		return err
	}

	m.log.Infof("publishing invite %s for %s to %s", reply.ID, matrixID, target.URL)
	status, respBody, err := m.postOnBind(ctx, target, body)
	if err != nil {
		return mxerr.Transient(err, "posting to %s", target.URL)
	}
	switch {
	case status < 300:
		return nil
	case status == http.StatusForbidden:
		m.log.Infof("invite %s is obsolete or no longer under our control", reply.ID)
		return nil
	case status == http.StatusBadGateway:
		return mxerr.Transient(fmt.Errorf("status %d", status), "homeserver %s is unreachable", domain)
	default:
		return mxerr.PeerRejection(status, string(respBody))
	}
}

type onBindInvite struct {
	MatrixID string          `json:"mxid"`
	Medium   string          `json:"medium"`
	Address  string          `json:"address"`
	Sender   string          `json:"sender"`
	RoomID   string          `json:"room_id"`
	Signed   json.RawMessage `json:"signed"`
}

type onBindContent struct {
	Invites  []onBindInvite `json:"invites"`
	Medium   string         `json:"medium"`
	Address  string         `json:"address"`
	MatrixID string         `json:"mxid"`
}

func (m *Manager) onBindPayload(reply *threepid.InviteReply, matrixID string) ([]byte, error) {
	domain := m.signatures.Domain()
	signed, err := canonicaljson.Marshal(map[string]string{"mxid": matrixID, "token": reply.Token})
	if err != nil {
		return nil, err
	}
	if signed, err = m.signatures.Attach(domain, signed); err != nil {
		return nil, err
	}
	inv := reply.Invite
	content, err := canonicaljson.Marshal(onBindContent{
		Invites: []onBindInvite{{
			MatrixID: matrixID,
			Medium:   inv.Medium,
			Address:  inv.Address,
			Sender:   inv.Sender.String(),
			RoomID:   inv.RoomID,
			Signed:   signed,
		}},
		Medium:   inv.Medium,
		Address:  inv.Address,
		MatrixID: matrixID,
	})
	if err != nil {
		return nil, err
	}
	return m.signatures.Attach(domain, content)
}

type onBindResponse struct {
	status int
	body   []byte
}

// postOnBind retries transport failures only. Any HTTP answer ends it.
func (m *Manager) postOnBind(ctx context.Context, target homeserver.Target, body []byte) (int, []byte, error) {
	client := m.clientFactory(target)
	endpoint := target.URL.JoinPath(onBindPath).String()
	publish := m.config.Invite.Publish

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = publish.RetryInterval
	tries := uint(1)
	if publish.Retries > 0 {
		tries += uint(publish.Retries)
	}

	res, err := backoff.Retry(ctx, func() (onBindResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return onBindResponse{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return onBindResponse{}, backoff.Permanent(err)
			}
			return onBindResponse{}, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			m.log.Debugf("reading answer from %s: %v", endpoint, err)
		}
		return onBindResponse{status: resp.StatusCode, body: respBody}, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.log.Debugf("post to %s failed, retrying in %s: %v", endpoint, next, err)
		}),
	)
	if err != nil {
		return 0, nil, err
	}
	m.log.Infof("homeserver answered %d", res.status)
	return res.status, res.body, nil
}

// archive moves the pending invite id to historical storage. It is a no-op
// when the invite was archived already.
func (m *Manager) archive(ctx context.Context, id, matrixID string, couldPublish bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	reply, ok := m.load(id)
	if !ok {
		m.log.Debugf("invite %s was already archived", id)
		return
	}
	if err := m.storage.ArchiveInvite(ctx, reply, matrixID, m.clock.Now(), couldPublish); err != nil {
		m.log.Errorf("unable to archive invite %s, it stays pending: %v", id, err)
		return
	}
	m.invites.Delete(id)
	m.disableEphemeral(reply)
	m.log.Infof("archived invite %s resolved to %s (published: %t)", id, matrixID, couldPublish)
}
