// Package store provides SQLite-backed durable storage for the sync core.
//
// The store holds two independent layouts in one database file:
//
//   - State: the crypto core's opaque key/value state. An ordered key list
//     (state_keys, insertion order preserved by an autoincrement ordinal) plus
//     one blob per key (state_values). Keys are replaced wholesale inside a
//     transaction; a key's bytes are never partially written.
//   - Entities: messages, contacts, tribes, invites, payments and a small
//     meta table (balance, own contact descriptor, restore watermark).
//
// # Idempotency
//
// Messages are keyed by uuid with a UNIQUE constraint and written with
// ON CONFLICT DO NOTHING, so a replayed RunReturn never materializes the same
// message twice. The index column is updated separately so the ordering
// cursor still advances for messages that already exist.
//
// # Connection
//
// Open pins the pool to one connection in WAL mode with a 5s busy timeout and
// foreign keys enforced. Schema upgrades are numbered by PRAGMA user_version
// and applied one transaction per step.
//
// The store is written from the engine's single event-loop goroutine only.
package store
