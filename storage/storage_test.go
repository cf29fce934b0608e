package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-identd/internal/test"
	"github.com/meow-io/go-identd/mxid"
	"github.com/meow-io/go-identd/threepid"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func testReply(id string) *threepid.InviteReply {
	return &threepid.InviteReply{
		ID: id,
		Invite: threepid.Invite{
			Sender:     mxid.MustParse("@alice:example.org"),
			Medium:     "email",
			Address:    "bob@example.org",
			RoomID:     "!room:example.org",
			Properties: map[string]string{threepid.PropertyCreatedAt: "1000", threepid.PropertyEphemeralSerial: "abcd1234"},
		},
		Token:       "token-" + id,
		DisplayName: "bob...",
	}
}

func backends(t *testing.T) map[string]Storage {
	c := test.NewTestConfig()
	d := test.NewTestDatabase(c)
	s, err := NewSQL(c, d)
	require.Nil(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return map[string]Storage{"sql": s, "memory": NewMemory()}
}

func TestInviteLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			ctx := context.Background()

			invites, err := s.Invites(ctx)
			require.Nil(err)
			require.Empty(invites)

			require.Nil(s.InsertInvite(ctx, testReply("b")))
			require.Nil(s.InsertInvite(ctx, testReply("a")))
			require.NotNil(s.InsertInvite(ctx, testReply("a")))

			invites, err = s.Invites(ctx)
			require.Nil(err)
			require.Len(invites, 2)
			require.Equal("a", invites[0].ID)
			require.Equal("token-a", invites[0].Token)
			require.Equal("@alice:example.org", invites[0].Sender)
			require.Equal("!room:example.org", invites[0].RoomID)
			require.Equal("1000", invites[0].Properties[threepid.PropertyCreatedAt])
			require.Equal("abcd1234", invites[0].Properties[threepid.PropertyEphemeralSerial])

			require.Nil(s.DeleteInvite(ctx, "a"))
			require.Nil(s.DeleteInvite(ctx, "a"))
			require.Nil(s.DeleteInvite(ctx, "missing"))

			invites, err = s.Invites(ctx)
			require.Nil(err)
			require.Len(invites, 1)
			require.Equal("b", invites[0].ID)
		})
	}
}

func TestHistoricalInvites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			ctx := context.Background()
			at := time.UnixMilli(1700000000000)

			require.Nil(s.InsertHistoricalInvite(ctx, testReply("a"), "@bob:example.org", at, true))
			require.Nil(s.InsertHistoricalInvite(ctx, testReply("a"), "@_expired:example.org", at.Add(time.Second), false))

			hist, err := s.HistoricalInvites(ctx)
			require.Nil(err)
			require.Len(hist, 2)
			require.Equal("a", hist[0].ID)
			require.Equal("@bob:example.org", hist[0].ResolvedTo)
			require.True(hist[0].CouldPublish)
			require.Equal(at.UnixMilli(), hist[0].ResolvedAt.UnixMilli())
			require.Equal("@_expired:example.org", hist[1].ResolvedTo)
			require.False(hist[1].CouldPublish)
			require.Equal("1000", hist[1].Properties[threepid.PropertyCreatedAt])
		})
	}
}

func TestArchiveInvite(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			ctx := context.Background()
			at := time.UnixMilli(1700000000000)

			require.Nil(s.InsertInvite(ctx, testReply("a")))
			require.Nil(s.InsertInvite(ctx, testReply("b")))
			require.Nil(s.ArchiveInvite(ctx, testReply("a"), "@bob:example.org", at, true))

			invites, err := s.Invites(ctx)
			require.Nil(err)
			require.Len(invites, 1)
			require.Equal("b", invites[0].ID)

			hist, err := s.HistoricalInvites(ctx)
			require.Nil(err)
			require.Len(hist, 1)
			require.Equal("a", hist[0].ID)
			require.Equal("@bob:example.org", hist[0].ResolvedTo)
			require.True(hist[0].CouldPublish)
		})
	}
}

func TestSQLArchiveIsAtomic(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c := test.NewTestConfig()
	d := test.NewTestDatabase(c)
	s, err := NewSQL(c, d)
	require.Nil(err)
	t.Cleanup(func() { _ = s.Close() })

	require.Nil(s.InsertInvite(ctx, testReply("a")))
	require.Nil(d.Run(ctx, "pin invites", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TRIGGER pin_invites BEFORE DELETE ON invite_3pid BEGIN SELECT RAISE(ABORT, 'pinned'); END`)
		return err
	}))

	require.NotNil(s.ArchiveInvite(ctx, testReply("a"), "@bob:example.org", time.UnixMilli(1700000000000), true))

	invites, err := s.Invites(ctx)
	require.Nil(err)
	require.Len(invites, 1)
	hist, err := s.HistoricalInvites(ctx)
	require.Nil(err)
	require.Empty(hist)
}

func TestSQLReopen(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c := test.NewTestConfig()
	d := test.NewTestDatabase(c)
	s, err := NewSQL(c, d)
	require.Nil(err)
	require.Nil(s.InsertInvite(ctx, testReply("a")))

	// migrations are applied once per database
	s2, err := NewSQL(c, d)
	require.Nil(err)
	invites, err := s2.Invites(ctx)
	require.Nil(err)
	require.Len(invites, 1)
	require.Nil(s.Close())
}
