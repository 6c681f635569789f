package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertContact_MergesFields(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertContact(ctx, Contact{Pubkey: "02aa", Alias: "  Zoé ", Confirmed: true}))
	require.NoError(t, s.UpsertContact(ctx, Contact{Pubkey: "02aa", RouteHint: "rh"}))

	c, err := s.ContactByPubkey(ctx, "02aa")
	require.NoError(t, err)
	assert.Equal(t, "Zoé", c.Alias, "alias is trimmed and NFC-normalized")
	assert.Equal(t, "rh", c.RouteHint)
	assert.True(t, c.Confirmed, "confirmed never flips back")
}

func TestRestoreKeys_Deduplicated(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertContact(ctx, Contact{Pubkey: "02bb"}))
	require.NoError(t, s.UpsertContact(ctx, Contact{Pubkey: "02aa"}))
	require.NoError(t, s.InsertInvite(ctx, Invite{Code: "c1", Pubkey: "02aa", CreatedAt: 1}))
	require.NoError(t, s.InsertInvite(ctx, Invite{Code: "c2", Pubkey: "02cc", CreatedAt: 2}))
	require.NoError(t, s.InsertInvite(ctx, Invite{Code: "c3", Pubkey: "02dd", CreatedAt: 3, Accepted: true}))

	keys, err := s.RestoreKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"02bb", "02aa", "02cc"}, keys)
}

func TestSetLastRead_NeverMovesBackwards(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertContact(ctx, Contact{Pubkey: "02aa"}))
	require.NoError(t, s.SetLastRead(ctx, "02aa", 30))
	require.NoError(t, s.SetLastRead(ctx, "02aa", 10))

	c, err := s.ContactByPubkey(ctx, "02aa")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), c.LastReadIndex)
}

func TestTribes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTribe(ctx, Tribe{Pubkey: "03tt", Host: "tribes.example", Name: "Cafe", Joined: true}))
	require.NoError(t, s.UpsertTribe(ctx, Tribe{Pubkey: "03tt", Name: "Cafe 2"}))
	require.NoError(t, s.SetMuteLevel(ctx, "03tt", 2))

	tr, err := s.TribeByPubkey(ctx, "03tt")
	require.NoError(t, err)
	assert.Equal(t, "tribes.example", tr.Host)
	assert.Equal(t, "Cafe 2", tr.Name)
	assert.True(t, tr.Joined)
	assert.Equal(t, 2, tr.MuteLevel)

	require.NoError(t, s.ReplaceTribeMembers(ctx, "03tt", []TribeMember{{Pubkey: "02aa"}, {Pubkey: "02bb", Pending: true}}))
	require.NoError(t, s.ReplaceTribeMembers(ctx, "03tt", []TribeMember{{Pubkey: "02bb"}}))
	members, err := s.TribeMembers(ctx, "03tt")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.False(t, members[0].Pending)
}

func TestLedger(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetBalance(ctx, 5000))
	require.NoError(t, s.SetBalance(ctx, 4200))
	b, err := s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4200), b, "balance is absolute")

	page := []Payment{{Timestamp: 1, Msat: 10, RHash: "h1"}, {Timestamp: 2, Msat: 20, RHash: "h2"}}
	require.NoError(t, s.UpsertPayments(ctx, page))
	require.NoError(t, s.UpsertPayments(ctx, page[1:]))
	payments, err := s.Payments(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, uint64(2), payments[0].Timestamp)

	ok, err := s.AcceptInvite(ctx, "missing", "")
	require.NoError(t, err)
	assert.False(t, ok)
}
