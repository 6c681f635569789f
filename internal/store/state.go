package store

import (
	"context"
	"fmt"
	"strings"
)

// StateEntry is one key of the crypto core's opaque state.
type StateEntry struct {
	Key   string
	Value []byte
}

// StateKeys returns the known state keys in insertion order.
func (s *Store) StateKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM state_keys ORDER BY ord ASC`)
	if err != nil {
		return nil, fmt.Errorf("query state keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan state key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state keys: %w", err)
	}
	return keys, nil
}

// StateEntries returns every key with its value, in key-index order.
// Keys present in the index without a value are skipped.
func (s *Store) StateEntries(ctx context.Context) ([]StateEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.key, v.value
		FROM state_keys k
		JOIN state_values v ON v.key = k.key
		ORDER BY k.ord ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query state entries: %w", err)
	}
	defer rows.Close()

	entries := []StateEntry{}
	for rows.Next() {
		var e StateEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan state entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state entries: %w", err)
	}
	return entries, nil
}

// StateValue returns the value of a single key. ok is false when unset.
func (s *Store) StateValue(ctx context.Context, key string) (value []byte, ok bool, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM state_values WHERE key = ?`, key)
	if err != nil {
		return nil, false, fmt.Errorf("query state value %s: %w", key, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	if err := rows.Scan(&value); err != nil {
		return nil, false, fmt.Errorf("scan state value %s: %w", key, err)
	}
	return value, true, nil
}

// ReplaceState writes a batch of entries in one transaction. Each key is
// deleted then rewritten, and appended to the key index unless already there.
// Either the whole batch lands or none of it does.
func (s *Store) ReplaceState(ctx context.Context, entries []StateEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace state: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM state_values WHERE key = ?`, e.Key); err != nil {
			return fmt.Errorf("replace state: delete %s: %w", e.Key, err)
		}
		value := e.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state_values (key, value) VALUES (?, ?)`, e.Key, value); err != nil {
			return fmt.Errorf("replace state: insert %s: %w", e.Key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_keys (key) VALUES (?)
			ON CONFLICT(key) DO NOTHING
		`, e.Key); err != nil {
			return fmt.Errorf("replace state: index %s: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace state: commit: %w", err)
	}
	return nil
}

// DeleteState removes keys and drops them from the key index.
// Unknown keys are ignored.
func (s *Store) DeleteState(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete state: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM state_values WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete state values: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM state_keys WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete state keys: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete state: commit: %w", err)
	}
	return nil
}
