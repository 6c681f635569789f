package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// normalizeName folds display names to NFC so the same alias typed on two
// devices compares equal.
func normalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// UpsertContact inserts or updates a contact. Empty incoming fields never
// overwrite known values, and confirmed never flips back to false.
func (s *Store) UpsertContact(ctx context.Context, c Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (pubkey, route_hint, alias, photo_url, person, code, confirmed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			route_hint = CASE WHEN excluded.route_hint != '' THEN excluded.route_hint ELSE contacts.route_hint END,
			alias      = CASE WHEN excluded.alias != '' THEN excluded.alias ELSE contacts.alias END,
			photo_url  = CASE WHEN excluded.photo_url != '' THEN excluded.photo_url ELSE contacts.photo_url END,
			person     = CASE WHEN excluded.person != '' THEN excluded.person ELSE contacts.person END,
			code       = CASE WHEN excluded.code != '' THEN excluded.code ELSE contacts.code END,
			confirmed  = MAX(contacts.confirmed, excluded.confirmed)
	`, c.Pubkey, c.RouteHint, normalizeName(c.Alias), c.PhotoURL, c.Person, c.Code, boolToInt(c.Confirmed))
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.Pubkey, err)
	}
	return nil
}

// ContactByPubkey returns one contact.
func (s *Store) ContactByPubkey(ctx context.Context, pubkey string) (Contact, error) {
	var (
		c         Contact
		confirmed int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT pubkey, route_hint, alias, photo_url, person, code, confirmed, mute_level,
		       last_read_index, last_message_id, unseen
		FROM contacts WHERE pubkey = ?
	`, pubkey).Scan(&c.Pubkey, &c.RouteHint, &c.Alias, &c.PhotoURL, &c.Person, &c.Code, &confirmed,
		&c.MuteLevel, &c.LastReadIndex, &c.LastMessageID, &c.Unseen)
	if err == sql.ErrNoRows {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("read contact %s: %w", pubkey, err)
	}
	c.Confirmed = confirmed != 0
	return c, nil
}

// HasContact reports whether pubkey is a known contact.
func (s *Store) HasContact(ctx context.Context, pubkey string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts WHERE pubkey = ?`, pubkey).Scan(&n); err != nil {
		return false, fmt.Errorf("check contact %s: %w", pubkey, err)
	}
	return n > 0, nil
}

// RestoreKeys lists contact pubkeys followed by pubkeys of pending invites,
// without duplicates, in a stable order.
func (s *Store) RestoreKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pubkey FROM (
			SELECT pubkey, 0 AS src, rowid AS ord FROM contacts
			UNION ALL
			SELECT pubkey, 1 AS src, created_at AS ord FROM invites WHERE accepted = 0 AND pubkey != ''
		)
		ORDER BY src ASC, ord ASC, pubkey ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query restore keys: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan restore key: %w", err)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate restore keys: %w", err)
	}
	return keys, nil
}

// SetMuteLevel applies a mute level to the contact or tribe with pubkey.
func (s *Store) SetMuteLevel(ctx context.Context, pubkey string, level int) error {
	for _, table := range []string{"contacts", "tribes"} {
		if _, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET mute_level = ? WHERE pubkey = ?`, level, pubkey); err != nil {
			return fmt.Errorf("set mute level of %s: %w", pubkey, err)
		}
	}
	return nil
}

// SetLastRead advances the read pointer of a conversation and marks every
// message up to index as seen. The pointer never moves backwards.
func (s *Store) SetLastRead(ctx context.Context, pubkey string, index uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set last read: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"contacts", "tribes"} {
		if _, err := tx.ExecContext(ctx, `
			UPDATE `+table+` SET last_read_index = MAX(last_read_index, ?) WHERE pubkey = ?
		`, int64(index), pubkey); err != nil {
			return fmt.Errorf("set last read of %s: %w", pubkey, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET seen = 1 WHERE chat_pubkey = ? AND idx IS NOT NULL AND idx <= ?
	`, pubkey, int64(index)); err != nil {
		return fmt.Errorf("mark seen for %s: %w", pubkey, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set last read: commit: %w", err)
	}
	return nil
}
