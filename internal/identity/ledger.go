// Package identity allocates collision-free node indices and derives MAC
// addresses from them.
//
// The ledger maps node UUIDs to indices and is persisted as
// { "<uuid>": {"index": N} } after every allocation. Entries are never pruned,
// so an index is never handed out twice during the ledger's lifetime.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Entry is the ledger record for one node.
type Entry struct {
	Index int `json:"index"`
}

// Ledger is the persisted UUID -> index mapping.
type Ledger struct {
	path    string
	entries map[string]Entry
	mu      sync.Mutex
}

// LoadLedger reads the ledger at path. A missing file yields an empty ledger.
func LoadLedger(path string) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		entries: make(map[string]Entry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}

	if len(data) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	if l.entries == nil {
		l.entries = make(map[string]Entry)
	}
	return l, nil
}

// AllocateIndex returns the index recorded for uuid, allocating one more than
// the highest assigned index if the uuid is new. The ledger is persisted before
// a new index is returned; on persistence failure the allocation is rolled back.
func (l *Ledger) AllocateIndex(uuid string) (int, error) {
	if uuid == "" {
		return 0, fmt.Errorf("uuid is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[uuid]; ok {
		return e.Index, nil
	}

	next := 0
	for _, e := range l.entries {
		if e.Index >= next {
			next = e.Index + 1
		}
	}

	l.entries[uuid] = Entry{Index: next}
	if err := l.persistLocked(); err != nil {
		delete(l.entries, uuid)
		return 0, err
	}
	return next, nil
}

// Discard removes the entry of uuid and persists the ledger. It undoes an
// allocation whose node was never created; entries of existing nodes must
// never be discarded. On persistence failure the entry is restored.
func (l *Ledger) Discard(uuid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[uuid]
	if !ok {
		return nil
	}
	delete(l.entries, uuid)
	if err := l.persistLocked(); err != nil {
		l.entries[uuid] = e
		return err
	}
	return nil
}

// Lookup returns the index recorded for uuid.
func (l *Ledger) Lookup(uuid string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[uuid]
	return e.Index, ok
}

// Len returns the number of ledger entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a copy of all entries.
func (l *Ledger) Snapshot() map[string]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Entry, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// persistLocked writes the ledger atomically (caller must hold lock).
func (l *Ledger) persistLocked() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	return nil
}
