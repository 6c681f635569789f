package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphinxkit/rrsync/internal/rr"
)

func TestRecordingTransport(t *testing.T) {
	ctx := context.Background()
	tr := &RecordingTransport{}

	require.NoError(t, tr.Publish(ctx, "a", []byte("1")))
	require.NoError(t, tr.Subscribe(ctx, "inbox"))
	tr.PublishErr = errors.New("offline")
	assert.Error(t, tr.Publish(ctx, "b", nil))

	assert.Equal(t, []string{"a", "b"}, tr.Topics())
	assert.Equal(t, []byte("1"), tr.Published()[0].Payload)
	assert.Equal(t, []string{"inbox"}, tr.Subscribed())
}

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory(rr.Tribe{Pubkey: "T1", Name: "gophers"})

	tribe, err := dir.LookupTribe(ctx, "tribes.example", "T1")
	require.NoError(t, err)
	assert.Equal(t, "gophers", tribe.Name)

	_, err = dir.LookupTribe(ctx, "tribes.example", "T2")
	assert.Error(t, err)
	assert.Equal(t, []string{"tribes.example/T1", "tribes.example/T2"}, dir.Lookups())
}
