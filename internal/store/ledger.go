package store

import (
	"context"
	"fmt"
	"strconv"
)

const (
	metaBalance       = "balance_msat"
	metaMyContactInfo = "my_contact_info"
	metaLastPing      = "last_ping"
)

// SetBalance overwrites the balance. The core reports absolute values.
func (s *Store) SetBalance(ctx context.Context, msat uint64) error {
	return s.setMeta(ctx, metaBalance, strconv.FormatUint(msat, 10))
}

// Balance returns the last reported balance, zero when never reported.
func (s *Store) Balance(ctx context.Context) (uint64, error) {
	v, ok, err := s.getMeta(ctx, metaBalance)
	if err != nil || !ok {
		return 0, err
	}
	b, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance: %w", err)
	}
	return b, nil
}

// SetMyContactInfo stores the owner's own contact descriptor.
func (s *Store) SetMyContactInfo(ctx context.Context, info string) error {
	return s.setMeta(ctx, metaMyContactInfo, info)
}

// MyContactInfo returns the owner's contact descriptor, "" when unknown.
func (s *Store) MyContactInfo(ctx context.Context) (string, error) {
	v, _, err := s.getMeta(ctx, metaMyContactInfo)
	return v, err
}

// SetLastPing records the most recent liveness confirmation.
func (s *Store) SetLastPing(ctx context.Context, ping string) error {
	return s.setMeta(ctx, metaLastPing, ping)
}

// LastPing returns the most recent liveness confirmation.
func (s *Store) LastPing(ctx context.Context) (string, error) {
	v, _, err := s.getMeta(ctx, metaLastPing)
	return v, err
}

// InsertInvite stores a new invite. Re-inserting an existing code is a no-op.
func (s *Store) InsertInvite(ctx context.Context, inv Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invites (code, pubkey, route_hint, accepted, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO NOTHING
	`, inv.Code, inv.Pubkey, inv.RouteHint, boolToInt(inv.Accepted), inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert invite %s: %w", inv.Code, err)
	}
	return nil
}

// AcceptInvite marks the invite with code as used by pubkey.
func (s *Store) AcceptInvite(ctx context.Context, code, pubkey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invites SET accepted = 1, pubkey = CASE WHEN ? != '' THEN ? ELSE pubkey END
		WHERE code = ? AND accepted = 0
	`, pubkey, pubkey, code)
	if err != nil {
		return false, fmt.Errorf("accept invite %s: %w", code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("accept invite %s: %w", code, err)
	}
	return n > 0, nil
}

// Invites returns every stored invite ordered by creation time.
func (s *Store) Invites(ctx context.Context) ([]Invite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, pubkey, route_hint, accepted, created_at FROM invites ORDER BY created_at ASC, code ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query invites: %w", err)
	}
	defer rows.Close()

	invites := []Invite{}
	for rows.Next() {
		var (
			inv      Invite
			accepted int
		)
		if err := rows.Scan(&inv.Code, &inv.Pubkey, &inv.RouteHint, &accepted, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		inv.Accepted = accepted != 0
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

// UpsertPayments merges a page of payment history. Rows are unique on
// (timestamp, amount, hash) so overlapping pages are harmless.
func (s *Store) UpsertPayments(ctx context.Context, payments []Payment) error {
	if len(payments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert payments: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range payments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (ts, msat, remote, msg_idx, rhash, scid, contact_pubkey)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ts, msat, rhash) DO NOTHING
		`, int64(p.Timestamp), int64(p.Msat), boolToInt(p.Remote), int64(p.MsgIndex), p.RHash,
			int64(p.Scid), p.ContactPubkey); err != nil {
			return fmt.Errorf("upsert payment at %d: %w", p.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert payments: commit: %w", err)
	}
	return nil
}

// Payments returns the payment history, newest first.
func (s *Store) Payments(ctx context.Context) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, msat, remote, msg_idx, rhash, scid, contact_pubkey
		FROM payments ORDER BY ts DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	payments := []Payment{}
	for rows.Next() {
		var (
			p      Payment
			remote int
		)
		if err := rows.Scan(&p.Timestamp, &p.Msat, &remote, &p.MsgIndex, &p.RHash, &p.Scid, &p.ContactPubkey); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.Remote = remote != 0
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
