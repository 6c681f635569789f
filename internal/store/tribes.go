package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertTribe inserts or refreshes a tribe descriptor. Joined is sticky: a
// directory refresh of a joined tribe never un-joins it.
func (s *Store) UpsertTribe(ctx context.Context, t Tribe) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tribes (pubkey, host, name, description, img, owner_pubkey, owner_route_hint,
			price_to_join, price_per_message, escrow_amount, private, joined)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			host = CASE WHEN excluded.host != '' THEN excluded.host ELSE tribes.host END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE tribes.name END,
			description = excluded.description,
			img = excluded.img,
			owner_pubkey = CASE WHEN excluded.owner_pubkey != '' THEN excluded.owner_pubkey ELSE tribes.owner_pubkey END,
			owner_route_hint = excluded.owner_route_hint,
			price_to_join = excluded.price_to_join,
			price_per_message = excluded.price_per_message,
			escrow_amount = excluded.escrow_amount,
			private = excluded.private,
			joined = MAX(tribes.joined, excluded.joined)
	`, t.Pubkey, t.Host, normalizeName(t.Name), t.Description, t.Img, t.OwnerPubkey, t.OwnerRouteHint,
		int64(t.PriceToJoin), int64(t.PricePerMessage), int64(t.EscrowAmount), boolToInt(t.Private), boolToInt(t.Joined))
	if err != nil {
		return fmt.Errorf("upsert tribe %s: %w", t.Pubkey, err)
	}
	return nil
}

// SetTribeJoined records joining or leaving a tribe.
func (s *Store) SetTribeJoined(ctx context.Context, pubkey string, joined bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE tribes SET joined = ? WHERE pubkey = ?`, boolToInt(joined), pubkey); err != nil {
		return fmt.Errorf("set joined of tribe %s: %w", pubkey, err)
	}
	return nil
}

// TribeByPubkey returns one tribe.
func (s *Store) TribeByPubkey(ctx context.Context, pubkey string) (Tribe, error) {
	var (
		t               Tribe
		private, joined int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT pubkey, host, name, description, img, owner_pubkey, owner_route_hint, price_to_join,
		       price_per_message, escrow_amount, private, joined, mute_level, last_read_index,
		       last_message_id, unseen
		FROM tribes WHERE pubkey = ?
	`, pubkey).Scan(&t.Pubkey, &t.Host, &t.Name, &t.Description, &t.Img, &t.OwnerPubkey, &t.OwnerRouteHint,
		&t.PriceToJoin, &t.PricePerMessage, &t.EscrowAmount, &private, &joined, &t.MuteLevel,
		&t.LastReadIndex, &t.LastMessageID, &t.Unseen)
	if err == sql.ErrNoRows {
		return Tribe{}, ErrNotFound
	}
	if err != nil {
		return Tribe{}, fmt.Errorf("read tribe %s: %w", pubkey, err)
	}
	t.Private = private != 0
	t.Joined = joined != 0
	return t, nil
}

// HasTribe reports whether a tribe is stored.
func (s *Store) HasTribe(ctx context.Context, pubkey string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tribes WHERE pubkey = ?`, pubkey).Scan(&n); err != nil {
		return false, fmt.Errorf("check tribe %s: %w", pubkey, err)
	}
	return n > 0, nil
}

// ReplaceTribeMembers swaps the member list of a tribe for a fresh snapshot.
func (s *Store) ReplaceTribeMembers(ctx context.Context, tribePubkey string, members []TribeMember) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace members: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tribe_members WHERE tribe_pubkey = ?`, tribePubkey); err != nil {
		return fmt.Errorf("replace members of %s: %w", tribePubkey, err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tribe_members (tribe_pubkey, pubkey, route_hint, alias, photo_url, pending)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(tribe_pubkey, pubkey) DO UPDATE SET pending = MIN(tribe_members.pending, excluded.pending)
		`, tribePubkey, m.Pubkey, m.RouteHint, normalizeName(m.Alias), m.PhotoURL, boolToInt(m.Pending)); err != nil {
			return fmt.Errorf("insert member %s of %s: %w", m.Pubkey, tribePubkey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace members: commit: %w", err)
	}
	return nil
}

// TribeMembers returns the stored member list ordered by pubkey.
func (s *Store) TribeMembers(ctx context.Context, tribePubkey string) ([]TribeMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tribe_pubkey, pubkey, route_hint, alias, photo_url, pending
		FROM tribe_members WHERE tribe_pubkey = ? ORDER BY pubkey ASC
	`, tribePubkey)
	if err != nil {
		return nil, fmt.Errorf("query members of %s: %w", tribePubkey, err)
	}
	defer rows.Close()

	members := []TribeMember{}
	for rows.Next() {
		var (
			m       TribeMember
			pending int
		)
		if err := rows.Scan(&m.TribePubkey, &m.Pubkey, &m.RouteHint, &m.Alias, &m.PhotoURL, &pending); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Pending = pending != 0
		members = append(members, m)
	}
	return members, rows.Err()
}
