package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ErrIndexTaken is returned when a new message claims an index that another
// message already holds.
var ErrIndexTaken = errors.New("index already taken")

// Message type discriminators the store queries on directly.
const (
	invoiceType       = 3
	directPaymentType = 2
	paymentType       = 30
	deleteType        = 17
)

const messageColumns = `id, uuid, idx, tag, type, chat_pubkey, sender_pubkey, sender_alias,
	content, ref_uuid, amount_msat, payment_hash, status, from_me, seen, deleted, paid, error, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                           Message
		fromMe, seen, deleted, paid int
	)
	err := row.Scan(
		&m.ID, &m.UUID, &m.Index, &m.Tag, &m.Type, &m.ChatPubkey, &m.SenderPubkey, &m.SenderAlias,
		&m.Content, &m.RefUUID, &m.AmountMsat, &m.PaymentHash, &m.Status, &fromMe, &seen, &deleted, &paid,
		&m.Error, &m.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	m.FromMe = fromMe != 0
	m.Seen = seen != 0
	m.Deleted = deleted != 0
	m.Paid = paid != 0
	return m, nil
}

func (s *Store) queryMessage(ctx context.Context, where string, arg any) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where+` LIMIT 1`, arg)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}
	return m, nil
}

// MessageByID returns the message with the given local id.
func (s *Store) MessageByID(ctx context.Context, id int64) (Message, error) {
	return s.queryMessage(ctx, "id = ?", id)
}

// MessageByUUID returns the message with the given uuid.
func (s *Store) MessageByUUID(ctx context.Context, uuid string) (Message, error) {
	return s.queryMessage(ctx, "uuid = ?", uuid)
}

// MessageByIndex returns the message at the given network index.
func (s *Store) MessageByIndex(ctx context.Context, index uint64) (Message, error) {
	return s.queryMessage(ctx, "idx = ?", int64(index))
}

// MessageByTag returns the most recent message carrying the given tag.
func (s *Store) MessageByTag(ctx context.Context, tag string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE tag = ? ORDER BY id DESC LIMIT 1`, tag)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("read message by tag: %w", err)
	}
	return m, nil
}

// InsertMessage materializes a message. Uses ON CONFLICT(uuid) DO NOTHING:
// when the uuid already exists nothing is written and inserted is false. A
// new uuid at an index another message already holds fails with
// ErrIndexTaken.
func (s *Store) InsertMessage(ctx context.Context, m Message) (id int64, inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
		(uuid, idx, tag, type, chat_pubkey, sender_pubkey, sender_alias, content, ref_uuid,
		 amount_msat, payment_hash, status, from_me, seen, deleted, paid, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO NOTHING
	`,
		m.UUID, m.Index, m.Tag, m.Type, m.ChatPubkey, m.SenderPubkey, m.SenderAlias, m.Content, m.RefUUID,
		int64(m.AmountMsat), m.PaymentHash, m.Status, boolToInt(m.FromMe), boolToInt(m.Seen),
		boolToInt(m.Deleted), boolToInt(m.Paid), m.Error, m.CreatedAt,
	)
	if err != nil {
		var sqErr sqlite3.Error
		if !errors.As(err, &sqErr) || sqErr.ExtendedCode != sqlite3.ErrConstraintUnique {
			return 0, false, fmt.Errorf("insert message %s: %w", m.UUID, err)
		}
		return s.insertConflict(ctx, m, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("insert message %s: rows affected: %w", m.UUID, err)
	}
	if n == 0 {
		existing, err := s.MessageByUUID(ctx, m.UUID)
		if err != nil {
			return 0, false, fmt.Errorf("insert message %s: select existing: %w", m.UUID, err)
		}
		return existing.ID, false, nil
	}

	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("insert message %s: last insert id: %w", m.UUID, err)
	}
	return id, true, nil
}

// insertConflict classifies a unique violation raised by InsertMessage.
func (s *Store) insertConflict(ctx context.Context, m Message, cause error) (int64, bool, error) {
	if existing, err := s.MessageByUUID(ctx, m.UUID); err == nil {
		return existing.ID, false, nil
	}
	if m.Index.Valid {
		holder, err := s.MessageByIndex(ctx, uint64(m.Index.Int64))
		if err == nil {
			return 0, false, fmt.Errorf("insert message %s: %w: index %d held by %s",
				m.UUID, ErrIndexTaken, m.Index.Int64, holder.UUID)
		}
	}
	return 0, false, fmt.Errorf("insert message %s: %w", m.UUID, cause)
}

// SetMessageIndex records the network index of an existing message. A row
// that already holds a different message at that index keeps it.
func (s *Store) SetMessageIndex(ctx context.Context, uuid string, index uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET idx = ?
		WHERE uuid = ? AND NOT EXISTS (SELECT 1 FROM messages WHERE idx = ? AND uuid != ?)
	`, int64(index), uuid, int64(index), uuid)
	if err != nil {
		return fmt.Errorf("set index of %s: %w", uuid, err)
	}
	return nil
}

// SetMessageStatus updates the delivery status of one message. Messages
// already in StatusReceived are left untouched. changed reports whether a
// row was updated.
func (s *Store) SetMessageStatus(ctx context.Context, id int64, status MessageStatus, errMsg string) (changed bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, error = ?
		WHERE id = ? AND status != ?
	`, status, errMsg, id, StatusReceived)
	if err != nil {
		return false, fmt.Errorf("set status of message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set status of message %d: %w", id, err)
	}
	return n > 0, nil
}

// SetStatusByTag updates every non-received message carrying tag.
func (s *Store) SetStatusByTag(ctx context.Context, tag string, status MessageStatus, errMsg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, error = ?
		WHERE tag = ? AND tag != '' AND status != ?
	`, status, errMsg, tag, StatusReceived)
	if err != nil {
		return 0, fmt.Errorf("set status by tag %s: %w", tag, err)
	}
	return res.RowsAffected()
}

// SetPendingStatusByTag updates messages carrying tag that are still
// StatusPending. A message already confirmed, received or failed keeps its
// status.
func (s *Store) SetPendingStatusByTag(ctx context.Context, tag string, status MessageStatus, errMsg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, error = ?
		WHERE tag = ? AND tag != '' AND status = ?
	`, status, errMsg, tag, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("set pending status by tag %s: %w", tag, err)
	}
	return res.RowsAffected()
}

// SoftDeleteMessage flags the message with the given uuid as deleted.
func (s *Store) SoftDeleteMessage(ctx context.Context, uuid string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("soft delete %s: %w", uuid, err)
	}
	return nil
}

// UpdateMessageContent replaces the body of an edited message.
func (s *Store) UpdateMessageContent(ctx context.Context, uuid, content string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE uuid = ?`, content, uuid); err != nil {
		return fmt.Errorf("update content of %s: %w", uuid, err)
	}
	return nil
}

// MarkInvoicePaid flags invoices with the given payment hash as paid.
func (s *Store) MarkInvoicePaid(ctx context.Context, paymentHash string) (int64, error) {
	if paymentHash == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET paid = 1
		WHERE payment_hash = ? AND type = ? AND paid = 0
	`, paymentHash, invoiceType)
	if err != nil {
		return 0, fmt.Errorf("mark invoice %s paid: %w", paymentHash, err)
	}
	return res.RowsAffected()
}

// MessagesForChat returns a conversation ordered by index, then id.
func (s *Store) MessagesForChat(ctx context.Context, chatPubkey string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_pubkey = ?
		ORDER BY idx ASC, id ASC
	`, chatPubkey)
	if err != nil {
		return nil, fmt.Errorf("query chat %s: %w", chatPubkey, err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat %s: %w", chatPubkey, err)
	}
	return msgs, nil
}

// CountMessages returns the number of materialized messages.
func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

const metaMaxIndex = "max_index"

// MaxIndex returns the highest network index observed, including indexes of
// messages that were never materialized.
func (s *Store) MaxIndex(ctx context.Context) (uint64, error) {
	v, ok, err := s.getMeta(ctx, metaMaxIndex)
	if err != nil || !ok {
		return 0, err
	}
	idx, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", metaMaxIndex, err)
	}
	return idx, nil
}

// BumpMaxIndex raises the watermark to index if it is higher.
func (s *Store) BumpMaxIndex(ctx context.Context, index uint64) error {
	v, ok, err := s.getMeta(ctx, metaMaxIndex)
	if err != nil {
		return err
	}
	if ok {
		current, err := strconv.ParseUint(v, 10, 64)
		if err == nil && index <= current {
			return nil
		}
	}
	return s.setMeta(ctx, metaMaxIndex, strconv.FormatUint(index, 10))
}
