package store

import (
	"context"
	"fmt"
)

type reconcileStep struct {
	name string
	sql  string
	args []any
}

// Reconcile recomputes derived flags after a bulk restore, when messages
// may have arrived out of order:
//   - deletes that arrived before their target are re-applied
//   - invoices whose payment arrived first are flagged paid
//   - seen flags follow each conversation's read pointer
//   - last-message pointers and unseen counts are recomputed
func (s *Store) Reconcile(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback()

	steps := []reconcileStep{
		{
			name: "reapply deletes",
			sql: `UPDATE messages SET deleted = 1
				WHERE deleted = 0 AND uuid IN (
					SELECT ref_uuid FROM messages WHERE type = ? AND ref_uuid != ''
				)`,
			args: []any{deleteType},
		},
		{
			name: "paid invoices",
			sql: `UPDATE messages SET paid = 1
				WHERE type = ? AND paid = 0 AND payment_hash != '' AND payment_hash IN (
					SELECT payment_hash FROM messages WHERE type IN (?, ?) AND payment_hash != ''
				)`,
			args: []any{invoiceType, paymentType, directPaymentType},
		},
		{
			name: "seen from read pointers",
			sql: `UPDATE messages SET seen = 1
				WHERE seen = 0 AND (from_me = 1 OR idx <= COALESCE(
					(SELECT last_read_index FROM contacts WHERE pubkey = messages.chat_pubkey),
					(SELECT last_read_index FROM tribes WHERE pubkey = messages.chat_pubkey),
					-1))`,
		},
	}
	for _, table := range []string{"contacts", "tribes"} {
		steps = append(steps, reconcileStep{
			name: "last message of " + table,
			sql: `UPDATE ` + table + ` SET
				last_message_id = (
					SELECT id FROM messages
					WHERE chat_pubkey = ` + table + `.pubkey AND deleted = 0 AND type != ?
					ORDER BY idx DESC, id DESC LIMIT 1
				),
				unseen = (
					SELECT COUNT(*) FROM messages
					WHERE chat_pubkey = ` + table + `.pubkey AND deleted = 0 AND seen = 0 AND type != ?
				)`,
			args: []any{deleteType, deleteType},
		})
	}

	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.sql, step.args...); err != nil {
			return fmt.Errorf("reconcile %s: %w", step.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reconcile: commit: %w", err)
	}
	return nil
}
