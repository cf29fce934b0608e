package invitation

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-identd/clock"
	"github.com/meow-io/go-identd/config"
	"github.com/meow-io/go-identd/homeserver"
	"github.com/meow-io/go-identd/internal/test"
	"github.com/meow-io/go-identd/keys"
	"github.com/meow-io/go-identd/lookup"
	"github.com/meow-io/go-identd/mxerr"
	"github.com/meow-io/go-identd/mxid"
	"github.com/meow-io/go-identd/notification"
	"github.com/meow-io/go-identd/signature"
	"github.com/meow-io/go-identd/storage"
	"github.com/meow-io/go-identd/threepid"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type recordingHandler struct {
	lock    sync.Mutex
	replies []*threepid.InviteReply
}

func (h *recordingHandler) ID() string     { return notification.DefaultHandlerID }
func (h *recordingHandler) Medium() string { return threepid.MediumEmail }

func (h *recordingHandler) SendForInvite(context.Context, threepid.MatrixIDInvite) error { return nil }
func (h *recordingHandler) SendForValidation(context.Context, threepid.Session) error    { return nil }
func (h *recordingHandler) SendForUnbind(context.Context, threepid.ThreePid) error       { return nil }

func (h *recordingHandler) SendForReply(_ context.Context, reply *threepid.InviteReply) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.replies = append(h.replies, reply)
	return nil
}

func (h *recordingHandler) last() *threepid.InviteReply {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.replies[len(h.replies)-1]
}

func (h *recordingHandler) count() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.replies)
}

type directory struct {
	lock     sync.Mutex
	mappings map[string]string
}

func (d *directory) IsLocal() bool { return true }
func (d *directory) Priority() int { return 10 }

func (d *directory) Find(_ context.Context, req threepid.LookupRequest) (lookup.Result, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	raw, ok := d.mappings[strings.ToLower(req.Medium+":"+req.Address)]
	if !ok {
		return lookup.MissResult, nil
	}
	return lookup.HitResult(threepid.NewLookupReply(req, mxid.MustParse(raw))), nil
}

func (d *directory) Populate(context.Context, []threepid.Mapping) ([]threepid.Mapping, error) {
	return nil, nil
}

func (d *directory) add(medium, address, id string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.mappings[strings.ToLower(medium+":"+address)] = id
}

type roles map[string][]string

func (r roles) Roles(_ context.Context, user mxid.UserID) ([]string, error) {
	return r[user.String()], nil
}

// homeserverStub answers onbind requests with statuses in order, repeating
// the last one.
type homeserverStub struct {
	server   *httptest.Server
	lock     sync.Mutex
	statuses []int
	bodies   [][]byte
}

func newHomeserverStub(t *testing.T, statuses ...int) *homeserverStub {
	h := &homeserverStub{statuses: statuses}
	h.server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != onBindPath || req.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(req.Body)
		h.lock.Lock()
		h.bodies = append(h.bodies, body)
		status := h.statuses[0]
		if len(h.statuses) > 1 {
			h.statuses = h.statuses[1:]
		}
		h.lock.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *homeserverStub) setStatuses(statuses ...int) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.statuses = statuses
}

func (h *homeserverStub) requests() [][]byte {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([][]byte(nil), h.bodies...)
}

type fixture struct {
	manager  *Manager
	storage  *storage.Memory
	handler  *recordingHandler
	dir      *directory
	clock    *clock.Fake
	keys     *keys.Manager
	hs       *homeserverStub
	resolver homeserver.StaticResolver
}

func newFixture(t *testing.T, opts ...config.Option) *fixture {
	base := []config.Option{
		config.WithServerName("id.example.org"),
		config.WithMatrixDomain("example.org"),
		config.WithExpiration(true, time.Minute, ""),
		config.WithPublishRetries(0, time.Millisecond),
	}
	c := test.NewTestConfig(append(base, opts...)...)
	return newFixtureWithConfig(t, c, storage.NewMemory())
}

func newFixtureWithConfig(t *testing.T, c *config.Config, store *storage.Memory) *fixture {
	return newFixtureWithStorage(t, c, store, store)
}

// newFixtureWithStorage hands backend to the manager while history is read
// from store.
func newFixtureWithStorage(t *testing.T, c *config.Config, store *storage.Memory, backend storage.Storage) *fixture {
	require := require.New(t)
	f := &fixture{
		storage: store,
		handler: &recordingHandler{},
		dir:     &directory{mappings: map[string]string{}},
		clock:   clock.NewFake(time.UnixMilli(1700000000000)),
		hs:      newHomeserverStub(t, http.StatusOK),
	}
	km, err := keys.NewManager(c, keys.NewMemoryStore())
	require.Nil(err)
	f.keys = km
	notifications, err := notification.NewManager(c, []notification.Handler{f.handler})
	require.Nil(err)

	u, err := url.Parse(f.hs.server.URL)
	require.Nil(err)
	f.resolver = homeserver.StaticResolver{"example.org": {URL: u, Domain: "example.com"}}
	pool := x509.NewCertPool()
	pool.AddCert(f.hs.server.Certificate())

	m, err := NewManager(c, Dependencies{
		Storage:       backend,
		Lookup:        lookup.NewStrategy(c, lookup.NewRegistry(f.dir)),
		Keys:          km,
		Signatures:    signature.NewManager(c, km),
		Resolver:      f.resolver,
		Notifications: notifications,
		Profiles:      roles{"@admin:example.org": {"admin"}},
		Clock:         f.clock,
		ClientFactory: homeserver.PinnedClientFactory(&tls.Config{RootCAs: pool}, 5*time.Second),
	})
	require.Nil(err)
	f.manager = m
	t.Cleanup(func() { _ = m.Shutdown() })
	return f
}

func newInvite(sender, address, room string) threepid.Invite {
	return threepid.Invite{
		Sender:  mxid.MustParse(sender),
		Medium:  threepid.MediumEmail,
		Address: address,
		RoomID:  room,
	}
}

func (f *fixture) waitForPublish(t *testing.T, id string) {
	require.Eventually(t, func() bool {
		_, running := f.manager.publishing.Load(id)
		return !running
	}, 5*time.Second, 5*time.Millisecond)
}

func (f *fixture) history(t *testing.T) []storage.HistoricalInvite {
	hist, err := f.storage.HistoricalInvites(context.Background())
	require.Nil(t, err)
	return hist
}

func TestComputeIDIgnoresCase(t *testing.T) {
	a := ComputeID(newInvite("@alice:Example.org", "Bob@Example.org", "!a:example.org"))
	b := ComputeID(newInvite("@carol:example.org", "bob@example.org", "!b:example.org"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, ComputeID(newInvite("@alice:other.org", "bob@example.org", "!a:example.org")))
}

func TestStoreInvite(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	reply, err := f.manager.StoreInvite(ctx, newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)
	require.Len(reply.Token, 64)
	require.Equal("bob...", reply.DisplayName)
	require.Len(reply.PublicKeys, 2)
	props := reply.Invite.Properties
	require.Equal("1700000000000", props[threepid.PropertyCreatedAt])
	require.Equal(keys.AlgorithmEd25519, props[threepid.PropertyEphemeralAlgorithm])
	require.Equal(reply.PublicKeys[1], props[threepid.PropertyEphemeralPublic])
	require.Equal(1, f.handler.count())

	valid, err := f.keys.IsValid(keys.Ephemeral, props[threepid.PropertyEphemeralPublic])
	require.Nil(err)
	require.True(valid)

	stored, err := f.storage.Invites(ctx)
	require.Nil(err)
	require.Len(stored, 1)
	require.Equal(reply.ID, stored[0].ID)
	require.Equal(reply.Token, stored[0].Token)

	got, err := f.manager.GetInvite(reply.ID)
	require.Nil(err)
	require.Same(reply, got)
	require.True(f.manager.HasInvite(threepid.ThreePid{Medium: "email", Address: "BOB@example.org"}))
	require.False(f.manager.HasInvite(threepid.ThreePid{Medium: "email", Address: "carol@example.org"}))

	_, err = f.manager.GetInvite("missing")
	require.True(mxerr.Is(err, mxerr.KindNotFound))
}

func TestStoreInviteDeduplicates(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.StoreInvite(ctx, newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)
	second, err := f.manager.StoreInvite(ctx, newInvite("@alice:EXAMPLE.org", "Bob@Example.org", "!room:example.org"))
	require.Nil(err)
	require.Same(first, second)
	require.Equal(1, f.handler.count())
	require.Len(f.manager.ListInvites(), 1)
}

func TestStoreInviteRoomChangeRenotifies(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.StoreInvite(ctx, newInvite("@alice:example.org", "bob@example.org", "!one:example.org"))
	require.Nil(err)
	second, err := f.manager.StoreInvite(ctx, newInvite("@alice:example.org", "bob@example.org", "!two:example.org"))
	require.Nil(err)

	require.Same(first, second)
	require.Equal("!one:example.org", second.Invite.RoomID)
	require.Equal(2, f.handler.count())
	renotified := f.handler.last()
	require.Equal("!two:example.org", renotified.Invite.RoomID)
	require.Equal(first.Token, renotified.Token)
	require.Equal(first.PublicKeys, renotified.PublicKeys)

	invites := f.manager.ListInvites()
	require.Len(invites, 1)
	require.Equal("!one:example.org", invites[0].Invite.RoomID)
	stored, err := f.storage.Invites(ctx)
	require.Nil(err)
	require.Len(stored, 1)
}

func TestStoreInviteConflict(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.dir.add("email", "bob@example.org", "@bob:example.org")

	_, err := f.manager.StoreInvite(ctx, newInvite("@alice:example.org", "Bob@example.org", "!room:example.org"))
	require.True(mxerr.Is(err, mxerr.KindConflict))
	require.Equal(0, f.handler.count())
	require.Empty(f.manager.ListInvites())
	stored, err := f.storage.Invites(ctx)
	require.Nil(err)
	require.Empty(stored)
}

func TestStoreInviteUnsupportedMedium(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	inv := newInvite("@alice:example.org", "447700900000", "!room:example.org")
	inv.Medium = threepid.MediumMsisdn
	_, err := f.manager.StoreInvite(context.Background(), inv)
	require.True(mxerr.Is(err, mxerr.KindBadRequest))
	require.Equal(0, f.handler.count())
}

func TestCanInvite(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	open := newFixture(t)
	ok, err := open.manager.CanInvite(ctx, mxid.MustParse("@alice:example.org"), []byte(`{"medium":"email","address":"bob@example.org"}`))
	require.Nil(err)
	require.True(ok)

	restricted := newFixture(t, func(c *config.Config) { c.Invite.Policy.IfSender.HasRole = []string{"admin"} })
	ok, err = restricted.manager.CanInvite(ctx, mxid.MustParse("@alice:example.org"), []byte(`{"user_id":"@bob:example.org"}`))
	require.Nil(err)
	require.True(ok)
	ok, err = restricted.manager.CanInvite(ctx, mxid.MustParse("@alice:example.org"), []byte(`{"medium":"email","address":"bob@example.org"}`))
	require.Nil(err)
	require.False(ok)
	ok, err = restricted.manager.CanInvite(ctx, mxid.MustParse("@admin:example.org"), []byte(`{"medium":"email","address":"bob@example.org"}`))
	require.Nil(err)
	require.True(ok)
}

func TestGetInviteByToken(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	reply, err := f.manager.StoreInvite(context.Background(), newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)
	key, err := f.keys.Key(ephemeralKeyID(reply))
	require.Nil(err)

	got, err := f.manager.GetInviteByToken(reply.Token, key.PrivateKey)
	require.Nil(err)
	require.Equal(reply.ID, got.ID)

	_, err = f.manager.GetInviteByToken(reply.Token, "wrong")
	require.True(mxerr.Is(err, mxerr.KindNotFound))
	_, err = f.manager.GetInviteByToken("wrong", key.PrivateKey)
	require.True(mxerr.Is(err, mxerr.KindNotFound))
}

func TestExpireInvites(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	reply, err := f.manager.StoreInvite(context.Background(), newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)

	f.clock.Advance(30 * time.Second)
	f.manager.ExpireInvites(context.Background())
	f.waitForPublish(t, reply.ID)
	require.Empty(f.hs.requests())
	require.Len(f.manager.ListInvites(), 1)

	f.clock.Advance(90 * time.Second)
	f.manager.ExpireInvites(context.Background())
	f.waitForPublish(t, reply.ID)

	hist := f.history(t)
	require.Len(hist, 1)
	require.Equal("@_identd_expired_invite:example.org", hist[0].ResolvedTo)
	require.True(hist[0].CouldPublish)
	require.Equal(f.clock.Now().UnixMilli(), hist[0].ResolvedAt.UnixMilli())
	require.Empty(f.manager.ListInvites())
	stored, err := f.storage.Invites(context.Background())
	require.Nil(err)
	require.Empty(stored)

	valid, err := f.keys.IsValid(keys.Ephemeral, reply.Invite.Properties[threepid.PropertyEphemeralPublic])
	require.Nil(err)
	require.False(valid)
}

func TestMaintenanceLoopExpires(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	reply, err := f.manager.StoreInvite(context.Background(), newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)

	require.Nil(f.manager.Start())
	f.clock.WaitForWaiters(1)
	f.clock.Advance(2 * time.Minute)

	require.Eventually(func() bool { return len(f.history(t)) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Equal("@_identd_expired_invite:example.org", f.history(t)[0].ResolvedTo)
	f.waitForPublish(t, reply.ID)
	require.Nil(f.manager.Shutdown())
}

func TestExpireInvitesResetsInvalidCreationTime(t *testing.T) {
	require := require.New(t)
	c := test.NewTestConfig(
		config.WithServerName("id.example.org"),
		config.WithMatrixDomain("example.org"),
		config.WithExpiration(true, time.Minute, "@expired:example.org"),
	)
	store := storage.NewMemory()
	ctx := context.Background()
	require.Nil(store.InsertInvite(ctx, &threepid.InviteReply{
		ID:     "broken",
		Invite: threepid.Invite{Sender: mxid.MustParse("@alice:example.org"), Medium: "email", Address: "bob@example.org", Properties: map[string]string{threepid.PropertyCreatedAt: "yesterday"}},
		Token:  "token",
	}))
	require.Nil(store.InsertInvite(ctx, &threepid.InviteReply{
		ID:     "legacy",
		Invite: threepid.Invite{Sender: mxid.MustParse("@alice:example.org"), Medium: "email", Address: "carol@example.org"},
		Token:  "token",
	}))
	f := newFixtureWithConfig(t, c, store)

	invites := f.manager.ListInvites()
	require.Len(invites, 2)
	require.Equal("1700000000000", invites[1].Invite.Properties[threepid.PropertyCreatedAt])
	require.Empty(invites[1].DisplayName)
	require.Empty(invites[1].PublicKeys)

	f.manager.ExpireInvites(ctx)
	broken, err := f.manager.GetInvite("broken")
	require.Nil(err)
	require.Equal("1700000000000", broken.Invite.Properties[threepid.PropertyCreatedAt])
	require.Empty(f.history(t))

	f.clock.Advance(time.Minute)
	f.manager.ExpireInvites(ctx)
	require.Eventually(func() bool { return len(f.history(t)) == 2 }, 5*time.Second, 5*time.Millisecond)
	for _, h := range f.history(t) {
		require.Equal("@expired:example.org", h.ResolvedTo)
	}
}

func TestPublishRetriesOnBadGateway(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.hs.setStatuses(http.StatusBadGateway, http.StatusOK)

	reply, err := f.manager.StoreInvite(context.Background(), newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)

	f.manager.PublishMapping(reply, "@bob:example.org")
	f.waitForPublish(t, reply.ID)
	require.Len(f.hs.requests(), 1)
	require.Len(f.manager.ListInvites(), 1)
	require.Empty(f.history(t))

	f.manager.PublishMapping(reply, "@bob:example.org")
	f.waitForPublish(t, reply.ID)
	require.Len(f.hs.requests(), 2)
	require.Empty(f.manager.ListInvites())
	hist := f.history(t)
	require.Len(hist, 1)
	require.Equal("@bob:example.org", hist[0].ResolvedTo)
	require.True(hist[0].CouldPublish)

	// a late publish for the archived invite does not archive it twice
	f.manager.PublishMapping(reply, "@bob:example.org")
	f.waitForPublish(t, reply.ID)
	require.Len(f.hs.requests(), 3)
	require.Len(f.history(t), 1)
}

func TestPublishOutcomes(t *testing.T) {
	for _, tc := range []struct {
		name         string
		status       int
		archived     bool
		couldPublish bool
	}{
		{"accepted", http.StatusOK, true, true},
		{"forbidden", http.StatusForbidden, true, true},
		{"rejected", http.StatusBadRequest, true, false},
		{"server error", http.StatusServiceUnavailable, true, false},
		{"bad gateway", http.StatusBadGateway, false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			f := newFixture(t)
			f.hs.setStatuses(tc.status)

			reply, err := f.manager.StoreInvite(context.Background(), newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
			require.Nil(err)
			f.manager.PublishMapping(reply, "@bob:example.org")
			f.waitForPublish(t, reply.ID)

			hist := f.history(t)
			if !tc.archived {
				require.Empty(hist)
				require.Len(f.manager.ListInvites(), 1)
				return
			}
			require.Len(hist, 1)
			require.Equal(tc.couldPublish, hist[0].CouldPublish)
			require.Empty(f.manager.ListInvites())
		})
	}
}

func TestPublishUnresolvableHomeserverStaysPending(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	reply, err := f.manager.StoreInvite(context.Background(), newInvite("@alice:elsewhere.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)
	f.manager.PublishMapping(reply, "@bob:example.org")
	f.waitForPublish(t, reply.ID)

	require.Empty(f.hs.requests())
	require.Empty(f.history(t))
	require.Len(f.manager.ListInvites(), 1)
}

func TestPublishPayloadIsSigned(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	reply, err := f.manager.StoreInvite(context.Background(), newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)
	f.manager.PublishMapping(reply, "@bob:example.org")
	f.waitForPublish(t, reply.ID)

	requests := f.hs.requests()
	require.Len(requests, 1)
	body := requests[0]
	require.Equal("@bob:example.org", gjson.GetBytes(body, "mxid").Str)
	require.Equal("email", gjson.GetBytes(body, "medium").Str)
	require.Equal("bob@example.org", gjson.GetBytes(body, "address").Str)
	invite := gjson.GetBytes(body, "invites.0")
	require.Equal("@alice:example.org", invite.Get("sender").Str)
	require.Equal("!room:example.org", invite.Get("room_id").Str)
	require.Equal(reply.Token, invite.Get("signed.token").Str)
	require.Equal("@bob:example.org", invite.Get("signed.mxid").Str)

	serverKey, err := f.keys.ServerSigningKey()
	require.Nil(err)
	pub, err := f.keys.PublicKey(serverKey)
	require.Nil(err)
	ok, err := signature.VerifyJSON(pub, "id.example.org", serverKey.ID(), body)
	require.Nil(err)
	require.True(ok)
	ok, err = signature.VerifyJSON(pub, "id.example.org", serverKey.ID(), []byte(invite.Get("signed").Raw))
	require.Nil(err)
	require.True(ok)
}

func TestLookupMappingsForInvites(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	reply, err := f.manager.StoreInvite(context.Background(), newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)

	f.manager.LookupMappingsForInvites(context.Background())
	f.manager.tasks.Wait()
	require.Empty(f.history(t))

	f.dir.add("email", "bob@example.org", "@bob:example.org")
	f.manager.LookupMappingsForInvites(context.Background())
	f.manager.tasks.Wait()

	hist := f.history(t)
	require.Len(hist, 1)
	require.Equal(reply.ID, hist[0].ID)
	require.Equal("@bob:example.org", hist[0].ResolvedTo)
}

func TestPublishMappingIfInvited(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.StoreInvite(ctx, newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)
	_, err = f.manager.StoreInvite(ctx, newInvite("@alice:example.org", "carol@example.org", "!room:example.org"))
	require.Nil(err)

	f.manager.PublishMappingIfInvited(threepid.Mapping{Medium: "email", Address: "BOB@example.org", MatrixID: "@bob:example.org"})
	f.manager.tasks.Wait()

	hist := f.history(t)
	require.Len(hist, 1)
	require.Equal("bob@example.org", hist[0].Address)
	require.Len(f.manager.ListInvites(), 1)
}

func TestExpireInvite(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	reply, err := f.manager.StoreInvite(context.Background(), newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)
	require.Nil(f.manager.ExpireInvite(reply.ID))
	f.manager.tasks.Wait()
	require.Len(f.history(t), 1)

	require.True(mxerr.Is(f.manager.ExpireInvite(reply.ID), mxerr.KindNotFound))
}

type unarchivable struct {
	*storage.Memory
}

func (unarchivable) ArchiveInvite(context.Context, *threepid.InviteReply, string, time.Time, bool) error {
	return errors.New("disk full")
}

func TestArchiveFailureKeepsInvitePending(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c := test.NewTestConfig(
		config.WithServerName("id.example.org"),
		config.WithMatrixDomain("example.org"),
		config.WithExpiration(true, time.Minute, ""),
		config.WithPublishRetries(0, time.Millisecond),
	)
	store := storage.NewMemory()
	f := newFixtureWithStorage(t, c, store, unarchivable{store})

	reply, err := f.manager.StoreInvite(ctx, newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
	require.Nil(err)
	f.manager.PublishMapping(reply, "@bob:example.org")
	f.waitForPublish(t, reply.ID)

	require.Len(f.hs.requests(), 1)
	require.Empty(f.history(t))
	pending, err := f.manager.GetInvite(reply.ID)
	require.Nil(err)
	require.Same(reply, pending)
	stored, err := store.Invites(ctx)
	require.Nil(err)
	require.Len(stored, 1)
	require.Equal(reply.ID, stored[0].ID)
}

func TestShutdownWithConcurrentPublishes(t *testing.T) {
	require := require.New(t)
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		reply, err := f.manager.StoreInvite(context.Background(), newInvite("@alice:example.org", "bob@example.org", "!room:example.org"))
		require.Nil(err)

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					f.manager.PublishMapping(reply, "@bob:example.org")
				}
			}()
		}
		require.Nil(f.manager.Shutdown())
		wg.Wait()

		require.False(f.manager.startTask())
		require.LessOrEqual(len(f.history(t)), 1)
	}
}

func TestNewManagerConfiguration(t *testing.T) {
	for _, tc := range []struct {
		name string
		opt  config.Option
		ok   bool
	}{
		{"defaults", func(*config.Config) {}, true},
		{"too short", config.WithExpiration(true, 30*time.Second, ""), false},
		{"bad target", config.WithExpiration(true, time.Hour, "expired"), false},
		{"explicit target", config.WithExpiration(true, time.Hour, "@expired:example.org"), true},
		{"disabled", config.WithExpiration(false, 0, "expired"), true},
		{"no domain", func(c *config.Config) { c.Matrix.Domain = "" }, false},
		{"timer in nanoseconds", func(c *config.Config) { c.Invite.Resolution.Timer = 5 }, false},
		{"zero timer", func(c *config.Config) { c.Invite.Resolution.Timer = 0 }, false},
		{"one second timer", func(c *config.Config) { c.Invite.Resolution.Timer = time.Second }, true},
		{"negative startup delay", func(c *config.Config) { c.Invite.Resolution.StartupDelay = -time.Second }, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := test.NewTestConfig(config.WithServerName("id.example.org"), config.WithMatrixDomain("example.org"), tc.opt)
			km, err := keys.NewManager(c, keys.NewMemoryStore())
			require.Nil(t, err)
			notifications, err := notification.NewManager(c, []notification.Handler{&recordingHandler{}})
			require.Nil(t, err)
			m, err := NewManager(c, Dependencies{
				Storage:       storage.NewMemory(),
				Lookup:        lookup.NewStrategy(c, lookup.NewRegistry()),
				Keys:          km,
				Signatures:    signature.NewManager(c, km),
				Resolver:      homeserver.StaticResolver{},
				Notifications: notifications,
			})
			if !tc.ok {
				require.True(t, mxerr.Is(err, mxerr.KindConfiguration), "%v", err)
				return
			}
			require.Nil(t, err)
			require.Nil(t, m.Shutdown())
		})
	}
}
