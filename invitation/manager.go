// This package keeps track of 3PID invitations until the invited address resolves to a Matrix
// user. Pending invitations live in memory and in storage; a background cycle re-resolves and
// expires them, and every resolution is published to the inviting homeserver before the
// invitation is archived.
package invitation

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meow-io/go-identd/clock"
	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/homeserver"
	"github.com/meow-io/go-identd/ids"
	"github.com/meow-io/go-identd/keys"
	"github.com/meow-io/go-identd/lookup"
	"github.com/meow-io/go-identd/mxerr"
	"github.com/meow-io/go-identd/mxid"
	"github.com/meow-io/go-identd/signature"
	"github.com/meow-io/go-identd/storage"
	"github.com/meow-io/go-identd/threepid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type Lookup interface {
	Find(ctx context.Context, medium, address string, recursive bool) (*threepid.LookupReply, error)
	LocalProviders() []lookup.Provider
}

type Notifier interface {
	IsMediumSupported(medium string) bool
	SendForReply(ctx context.Context, reply *threepid.InviteReply) error
}

type RoleSource interface {
	Roles(ctx context.Context, user mxid.UserID) ([]string, error)
}

// Dependencies are the collaborators of a Manager. Clock, ClientFactory and
// Profiles are optional.
type Dependencies struct {
	Storage       storage.Storage
	Lookup        Lookup
	Keys          *keys.Manager
	Signatures    *signature.Manager
	Resolver      homeserver.Resolver
	Notifications Notifier
	Profiles      RoleSource
	Clock         clock.Clock
	ClientFactory homeserver.ClientFactory
}

type Manager struct {
	log           *zap.SugaredLogger
	config        *config.Config
	storage       storage.Storage
	lookup        Lookup
	keys          *keys.Manager
	signatures    *signature.Manager
	resolver      homeserver.Resolver
	notifications Notifier
	profiles      RoleSource
	clock         clock.Clock
	clientFactory homeserver.ClientFactory

	expirationEnabled bool
	expireAfter       time.Duration
	resolveTo         mxid.UserID
	recursive         bool
	defaultCreatedAt  uint64

	// lock guards inserting and archiving pending invitations.
	lock       sync.Mutex
	invites    sync.Map // id -> *threepid.InviteReply
	publishing sync.Map // id -> struct{}

	workers    *semaphore.Weighted
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
	taskCtx    context.Context
	taskCancel context.CancelFunc

	// taskLock orders tasks.Add against the drain in Shutdown.
	taskLock sync.Mutex
	tasks    sync.WaitGroup
	stopping bool
}

// NewManager validates the invitation settings and loads pending invitations
// from storage.
func NewManager(c *config.Config, deps Dependencies) (*Manager, error) {
	log := c.Logger("invitation")
	if deps.Storage == nil || deps.Lookup == nil || deps.Keys == nil || deps.Signatures == nil || deps.Resolver == nil || deps.Notifications == nil {
		return nil, mxerr.Configuration("invitation manager is missing a dependency")
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystemClock()
	}
	if deps.ClientFactory == nil {
		deps.ClientFactory = homeserver.PinnedClientFactory(nil, c.Invite.Publish.Timeout)
	}

	exp := c.Invite.Expiration
	enabled := exp.Enabled == nil || *exp.Enabled
	var resolveTo mxid.UserID
	if enabled {
		if exp.After < time.Minute {
			return nil, mxerr.Configuration("invitation expiration must be at least one minute, got %s", exp.After)
		}
		var err error
		if exp.ResolveTo == "" {
			resolveTo, err = mxid.Acceptable(c.AppService.User.InviteExpired, c.Matrix.Domain)
			if err != nil {
				return nil, mxerr.Configuration("no expiration target configured and none can be computed: %v", err)
			}
		} else {
			resolveTo, err = mxid.Parse(exp.ResolveTo)
			if err != nil {
				return nil, mxerr.Configuration("invalid expiration target %q: %v", exp.ResolveTo, err)
			}
		}
		log.Infof("invitations expire after %s and resolve to %s", exp.After, resolveTo)
	} else {
		log.Infof("invitation expiration is disabled")
	}

	if c.Invite.Resolution.Timer < time.Second {
		return nil, mxerr.Configuration("invitation resolution timer must be at least one second, got %s", c.Invite.Resolution.Timer)
	}
	if c.Invite.Resolution.StartupDelay < 0 {
		return nil, mxerr.Configuration("invitation resolution startup delay cannot be negative, got %s", c.Invite.Resolution.StartupDelay)
	}

	workers := c.Invite.Resolution.Workers
	if workers < 1 {
		workers = 1
	}
	if !c.Invite.Resolution.Recursive {
		log.Warnf("recursive lookup is disabled for invitations, only local identity stores will be queried")
	}

	taskCtx, taskCancel := context.WithCancel(context.Background())
	m := &Manager{
		log:               log,
		config:            c,
		storage:           deps.Storage,
		lookup:            deps.Lookup,
		keys:              deps.Keys,
		signatures:        deps.Signatures,
		resolver:          deps.Resolver,
		notifications:     deps.Notifications,
		profiles:          deps.Profiles,
		clock:             deps.Clock,
		clientFactory:     deps.ClientFactory,
		expirationEnabled: enabled,
		expireAfter:       exp.After,
		resolveTo:         resolveTo,
		recursive:         c.Invite.Resolution.Recursive,
		defaultCreatedAt:  deps.Clock.CurrentTimeMs(),
		workers:           semaphore.NewWeighted(int64(workers)),
		taskCtx:           taskCtx,
		taskCancel:        taskCancel,
	}
	if err := m.reload(context.Background()); err != nil {
		taskCancel()
		return nil, err
	}
	return m, nil
}

func (m *Manager) reload(ctx context.Context) error {
	stored, err := m.storage.Invites(ctx)
	if err != nil {
		return fmt.Errorf("invitation: loading invites: %w", err)
	}
	for _, s := range stored {
		sender, err := mxid.Parse(s.Sender)
		if err != nil {
			m.log.Errorf("skipping stored invite %s with invalid sender %q: %v", s.ID, s.Sender, err)
			continue
		}
		props := map[string]string{}
		for k, v := range s.Properties {
			props[k] = v
		}
		if _, ok := props[threepid.PropertyCreatedAt]; !ok {
			props[threepid.PropertyCreatedAt] = strconv.FormatUint(m.defaultCreatedAt, 10)
		}
		reply := &threepid.InviteReply{
			ID: s.ID,
			Invite: threepid.Invite{
				Sender:     sender,
				Medium:     s.Medium,
				Address:    s.Address,
				RoomID:     s.RoomID,
				Properties: props,
			},
			Token: s.Token,
		}
		m.invites.Store(reply.ID, reply)
	}
	m.log.Infof("loaded %d pending invite(s)", len(stored))
	return nil
}

// ComputeID is the deduplication key of an invitation.
func ComputeID(invite threepid.Invite) string {
	raw := strings.ToLower(invite.Sender.Domain()) + strings.ToLower(invite.Medium) + strings.ToLower(invite.Address)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func (m *Manager) load(id string) (*threepid.InviteReply, bool) {
	v, ok := m.invites.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*threepid.InviteReply), true
}

func (m *Manager) find(ctx context.Context, medium, address string) (*threepid.LookupReply, error) {
	return m.lookup.Find(ctx, medium, address, m.recursive)
}

// StoreInvite registers invite and notifies the invitee. An invite already
// pending for the same sender domain and 3PID is returned as is, after a new
// notification if the room changed.
func (m *Manager) StoreInvite(ctx context.Context, invite threepid.Invite) (*threepid.InviteReply, error) {
	if !m.notifications.IsMediumSupported(invite.Medium) {
		return nil, mxerr.BadRequest(mxerr.CodeUnrecognized, "medium type %s is not supported", invite.Medium)
	}
	if invite.Sender.IsZero() || invite.Address == "" {
		return nil, mxerr.BadRequest(mxerr.CodeInvalidParam, "invite needs a sender and an address")
	}
	id := ComputeID(invite)

	m.lock.Lock()
	defer m.lock.Unlock()

	if existing, ok := m.load(id); ok {
		m.log.Infof("invite %s is already pending for %s:%s", id, invite.Medium, invite.Address)
		if existing.Invite.RoomID != invite.RoomID {
			m.log.Infof("sending new notification for invite %s to room %s", id, invite.RoomID)
			inv := existing.Invite.Clone()
			inv.Sender = invite.Sender
			inv.RoomID = invite.RoomID
			if err := m.notifications.SendForReply(ctx, existing.WithInvite(inv)); err != nil {
				return nil, err
			}
		}
		// TODO: re-send when the caller marks a newer invite attempt.
		return existing, nil
	}

	found, err := m.find(ctx, invite.Medium, invite.Address)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return nil, mxerr.MappingAlreadyExists()
	}

	serverKey, err := m.keys.ServerSigningKey()
	if err != nil {
		return nil, err
	}
	serverPublic, err := m.keys.PublicKeyBase64(serverKey)
	if err != nil {
		return nil, err
	}
	ephemeral, err := m.keys.GenerateKey(keys.Ephemeral)
	if err != nil {
		return nil, err
	}
	ephemeralPublic, err := m.keys.PublicKeyBase64(ephemeral)
	if err != nil {
		return nil, err
	}

	inv := invite.Clone()
	inv.Properties[threepid.PropertyCreatedAt] = strconv.FormatUint(m.clock.CurrentTimeMs(), 10)
	inv.Properties[threepid.PropertyServerKeyAlgorithm] = serverKey.Algorithm
	inv.Properties[threepid.PropertyServerKeySerial] = serverKey.Serial
	inv.Properties[threepid.PropertyServerKeyPublic] = serverPublic
	inv.Properties[threepid.PropertyEphemeralAlgorithm] = ephemeral.Algorithm
	inv.Properties[threepid.PropertyEphemeralSerial] = ephemeral.Serial
	inv.Properties[threepid.PropertyEphemeralPublic] = ephemeralPublic

	reply := &threepid.InviteReply{
		ID:          id,
		Invite:      inv,
		Token:       ids.NewToken(),
		DisplayName: threepid.DisplayName(invite.Address),
		PublicKeys:  []string{serverPublic, ephemeralPublic},
	}

	m.log.Infof("storing invite %s for %s:%s from %s in %s", id, inv.Medium, inv.Address, inv.Sender, inv.RoomID)
	if err := m.notifications.SendForReply(ctx, reply); err != nil {
		m.disableEphemeral(reply)
		return nil, err
	}
	if err := m.storage.InsertInvite(ctx, reply); err != nil {
		m.disableEphemeral(reply)
		return nil, fmt.Errorf("invitation: persisting invite %s: %w", id, err)
	}
	m.invites.Store(id, reply)
	m.log.Infof("a new invite has been created for %s:%s on HS %s", inv.Medium, inv.Address, inv.Sender.Domain())
	return reply, nil
}

// CanInvite applies the sender policy to an invite request body. Requests
// without a medium are not 3PID invites and are always allowed.
func (m *Manager) CanInvite(ctx context.Context, sender mxid.UserID, body []byte) (bool, error) {
	if !gjson.GetBytes(body, "medium").Exists() {
		return true, nil
	}
	allowed := m.config.Invite.Policy.IfSender.HasRole
	if len(allowed) == 0 {
		return true, nil
	}
	if m.profiles == nil {
		m.log.Warnf("role policy configured but no profile provider, refusing invite from %s", sender)
		return false, nil
	}
	roles, err := m.profiles.Roles(ctx, sender)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		for _, a := range allowed {
			if r == a {
				return true, nil
			}
		}
	}
	m.log.Infof("sender %s has none of the roles allowed to send 3PID invites", sender)
	return false, nil
}

func (m *Manager) ListInvites() []*threepid.InviteReply {
	var out []*threepid.InviteReply
	m.invites.Range(func(_, v interface{}) bool {
		out = append(out, v.(*threepid.InviteReply))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) GetInvite(id string) (*threepid.InviteReply, error) {
	reply, ok := m.load(id)
	if !ok {
		return nil, mxerr.NotFound("no pending invite with id %s", id)
	}
	return reply, nil
}

func (m *Manager) HasInvite(tpid threepid.ThreePid) bool {
	found := false
	m.invites.Range(func(_, v interface{}) bool {
		reply := v.(*threepid.InviteReply)
		found = tpid.Matches(reply.Invite.Medium, reply.Invite.Address)
		return !found
	})
	return found
}

// GetInviteByToken returns the pending invite issued with token whose
// ephemeral private key is ephemeralPrivateKey.
func (m *Manager) GetInviteByToken(token, ephemeralPrivateKey string) (*threepid.InviteReply, error) {
	for _, reply := range m.ListInvites() {
		if subtle.ConstantTimeCompare([]byte(reply.Token), []byte(token)) != 1 {
			continue
		}
		key, err := m.keys.Key(ephemeralKeyID(reply))
		if err != nil {
			m.log.Debugf("invite %s has no usable ephemeral key: %v", reply.ID, err)
			continue
		}
		if subtle.ConstantTimeCompare([]byte(key.PrivateKey), []byte(ephemeralPrivateKey)) == 1 {
			return reply, nil
		}
	}
	return nil, mxerr.NotFound("no pending invite for this token and key")
}

func ephemeralKeyID(reply *threepid.InviteReply) keys.Identifier {
	return keys.Identifier{
		Type:      keys.Ephemeral,
		Algorithm: reply.Invite.Properties[threepid.PropertyEphemeralAlgorithm],
		Serial:    reply.Invite.Properties[threepid.PropertyEphemeralSerial],
	}
}

func (m *Manager) disableEphemeral(reply *threepid.InviteReply) {
	id := ephemeralKeyID(reply)
	if id.Serial == "" {
		return
	}
	if err := m.keys.DisableKey(id); err != nil {
		m.log.Warnf("unable to disable ephemeral key %s of invite %s: %v", id, reply.ID, err)
	}
}
