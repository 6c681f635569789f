package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/sphinxkit/rrsync/internal/rr"
)

// StaticDirectory answers tribe lookups from a fixed map keyed by pubkey.
type StaticDirectory struct {
	mu      sync.Mutex
	tribes  map[string]rr.Tribe
	lookups []string
}

// NewStaticDirectory creates a directory serving tribes.
func NewStaticDirectory(tribes ...rr.Tribe) *StaticDirectory {
	d := &StaticDirectory{tribes: make(map[string]rr.Tribe, len(tribes))}
	for _, t := range tribes {
		d.tribes[t.Pubkey] = t
	}
	return d
}

func (d *StaticDirectory) LookupTribe(_ context.Context, host, pubkey string) (rr.Tribe, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups = append(d.lookups, host+"/"+pubkey)
	t, ok := d.tribes[pubkey]
	if !ok {
		return rr.Tribe{}, fmt.Errorf("tribe %s not found on %s", pubkey, host)
	}
	return t, nil
}

// Lookups returns every "host/pubkey" looked up so far.
func (d *StaticDirectory) Lookups() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lookups...)
}
