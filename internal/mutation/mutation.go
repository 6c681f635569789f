// Package mutation persists and reconstructs the opaque state blob that is
// fed into, and returned from, every crypto-core call.
//
// The blob is a msgpack map of string keys to binary values. Incoming
// mutation envelopes use the same encoding. The store never interprets the
// values; it only guarantees that each key is replaced atomically and that
// enumeration order is the key's first-insertion order.
package mutation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sphinxkit/rrsync/internal/store"
)

// Backend is the durable storage the mutation store writes through to.
// Implemented by *store.Store.
type Backend interface {
	StateEntries(ctx context.Context) ([]store.StateEntry, error)
	StateKeys(ctx context.Context) ([]string, error)
	ReplaceState(ctx context.Context, entries []store.StateEntry) error
	DeleteState(ctx context.Context, keys []string) error
}

// ErrDecode marks a malformed mutation envelope.
var ErrDecode = errors.New("malformed mutation envelope")

// Store is the MutationStore. It is not safe for concurrent use; the engine
// calls it from its event loop only, which also orders every write before
// the next CurrentStateBlob read.
type Store struct {
	backend Backend
	log     *slog.Logger
}

// New creates a mutation store over backend.
func New(backend Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{backend: backend, log: log}
}

// CurrentStateBlob serializes every known key/value pair, in key-index
// order, into the envelope the crypto core expects.
func (s *Store) CurrentStateBlob(ctx context.Context) ([]byte, error) {
	entries, err := s.backend.StateEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("current state blob: %w", err)
	}
	return Encode(entries)
}

// ApplyMutations decodes an envelope and writes every pair. A decode failure
// drops the whole batch and leaves existing state untouched; the error wraps
// ErrDecode so callers can treat it as non-fatal. Returns the number of keys
// written.
func (s *Store) ApplyMutations(ctx context.Context, envelope []byte) (int, error) {
	if len(envelope) == 0 {
		return 0, nil
	}
	entries, err := Decode(envelope)
	if err != nil {
		s.log.Warn("dropping mutation batch", "bytes", len(envelope), "error", err)
		return 0, err
	}
	if err := s.backend.ReplaceState(ctx, entries); err != nil {
		return 0, fmt.Errorf("apply mutations: %w", err)
	}
	s.log.Debug("mutations applied", "keys", len(entries))
	return len(entries), nil
}

// DeleteKeys removes keys and drops them from the key index.
func (s *Store) DeleteKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.backend.DeleteState(ctx, keys); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	s.log.Debug("state keys deleted", "keys", len(keys))
	return nil
}

// Keys returns the key index in insertion order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.backend.StateKeys(ctx)
}

// Encode writes entries as a msgpack map, preserving slice order.
func Encode(entries []store.StateEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(len(entries)); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	for _, e := range entries {
		if err := enc.EncodeString(e.Key); err != nil {
			return nil, fmt.Errorf("encode state key %s: %w", e.Key, err)
		}
		if err := enc.EncodeBytes(e.Value); err != nil {
			return nil, fmt.Errorf("encode state value %s: %w", e.Key, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode reads a msgpack map of key to bytes. Pairs are returned in wire
// order; a key repeated within one envelope keeps its last value at the
// position of its first occurrence. Trailing bytes are an error.
func Decode(envelope []byte) ([]store.StateEntry, error) {
	r := bytes.NewReader(envelope)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("%w: map header: %v", ErrDecode, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: nil map", ErrDecode)
	}

	// Each pair takes at least two bytes, so a longer count cannot be
	// satisfied by the rest of the envelope.
	if n > r.Len()/2 {
		return nil, fmt.Errorf("%w: map of %d pairs in %d bytes", ErrDecode, n, r.Len())
	}

	entries := make([]store.StateEntry, 0, n)
	pos := make(map[string]int, n)
	for i := range n {
		key, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("%w: key %d: %v", ErrDecode, i, err)
		}
		value, err := dec.DecodeBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: value of %s: %v", ErrDecode, key, err)
		}
		if value == nil {
			value = []byte{}
		}
		if at, dup := pos[key]; dup {
			entries[at].Value = value
			continue
		}
		pos[key] = len(entries)
		entries = append(entries, store.StateEntry{Key: key, Value: value})
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}
	return entries, nil
}
