package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertMessage_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id1, inserted, err := s.InsertMessage(ctx, createTestMessage("U1", 10, "02aa"))
	require.NoError(t, err)
	assert.True(t, inserted)

	id2, inserted, err := s.InsertMessage(ctx, createTestMessage("U1", 10, "02aa"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id2)

	n, err := s.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertMessage_IndexHeldByAnotherUUID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertMessage(ctx, createTestMessage("U1", 10, "02aa"))
	require.NoError(t, err)

	_, inserted, err := s.InsertMessage(ctx, createTestMessage("U2", 10, "02aa"))
	require.ErrorIs(t, err, ErrIndexTaken)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "held by U1")
	assert.False(t, inserted)

	_, err = s.MessageByUUID(ctx, "U2")
	assert.ErrorIs(t, err, ErrNotFound)

	// The same uuid at another index is still a no-op.
	_, inserted, err = s.InsertMessage(ctx, createTestMessage("U1", 11, "02aa"))
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestMessageLookups(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	m := createTestMessage("U1", 10, "02aa")
	m.Tag = "T1"
	id, _, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)

	byID, err := s.MessageByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "U1", byID.UUID)

	byIdx, err := s.MessageByIndex(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, id, byIdx.ID)

	byTag, err := s.MessageByTag(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, id, byTag.ID)

	_, err = s.MessageByUUID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetMessageIndex(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	m := createTestMessage("U1", 0, "02aa")
	m.Index.Valid = false
	_, _, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)

	require.NoError(t, s.SetMessageIndex(ctx, "U1", 44))
	got, err := s.MessageByUUID(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(44), got.Index.Int64)

	// An index already owned by another message is not stolen.
	_, _, err = s.InsertMessage(ctx, createTestMessage("U2", 50, "02aa"))
	require.NoError(t, err)
	require.NoError(t, s.SetMessageIndex(ctx, "U1", 50))
	got, err = s.MessageByUUID(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(44), got.Index.Int64)
}

func TestSetMessageStatus_ReceivedIsTerminal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	m := createTestMessage("U1", 1, "02aa")
	m.Status = StatusPending
	id, _, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)

	changed, err := s.SetMessageStatus(ctx, id, StatusReceived, "")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SetMessageStatus(ctx, id, StatusFailed, "late")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.MessageByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, got.Status)
}

func TestSetPendingStatusByTag_OnlyTouchesPending(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, status := range []MessageStatus{StatusPending, StatusConfirmed, StatusReceived, StatusFailed} {
		m := createTestMessage(fmt.Sprintf("U%d", i), int64(i+1), "02aa")
		m.Tag = fmt.Sprintf("T%d", i)
		m.Status = status
		m.Error = "was " + status.String()
		_, _, err := s.InsertMessage(ctx, m)
		require.NoError(t, err)
	}

	for i := range 4 {
		_, err := s.SetPendingStatusByTag(ctx, fmt.Sprintf("T%d", i), StatusConfirmed, "")
		require.NoError(t, err)
	}

	want := []MessageStatus{StatusConfirmed, StatusConfirmed, StatusReceived, StatusFailed}
	for i, status := range want {
		got, err := s.MessageByUUID(ctx, fmt.Sprintf("U%d", i))
		require.NoError(t, err)
		assert.Equal(t, status, got.Status, "U%d", i)
	}

	failed, err := s.MessageByUUID(ctx, "U3")
	require.NoError(t, err)
	assert.Equal(t, "was "+StatusFailed.String(), failed.Error)

	n, err := s.SetPendingStatusByTag(ctx, "", StatusConfirmed, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMaxIndex(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	v, err := s.MaxIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	require.NoError(t, s.BumpMaxIndex(ctx, 40))
	require.NoError(t, s.BumpMaxIndex(ctx, 12))
	require.NoError(t, s.BumpMaxIndex(ctx, 41))

	v, err = s.MaxIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), v)
}
