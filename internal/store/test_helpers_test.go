package store

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func idx(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}

// createTestMessage creates an inbound content message.
func createTestMessage(uuid string, index int64, chat string) Message {
	return Message{
		UUID:         uuid,
		Index:        idx(index),
		Type:         0,
		ChatPubkey:   chat,
		SenderPubkey: chat,
		Content:      "hello " + uuid,
		Status:       StatusReceived,
	}
}
