// Package store is the Host-owned embedded database and the registry of
// Actions that may run against it.
//
// The file is opened through bbolt, which takes an exclusive lock: only one
// process can hold a given database file, and that process is the one that
// may become Host. Write Actions run inside bbolt update transactions and
// read-only Actions inside view transactions; callers are still expected to
// funnel writes through a single queue so Actions apply in arrival order.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/stocker/lanlink/internal/protocol"
)

var (
	ErrUnknownAction = errors.New("store: unknown action")
	ErrClosed        = errors.New("store: closed")
	ErrLocked        = errors.New("store: database is held by another process")
)

// Handler executes one Action inside tx. Returning a *protocol.Error with
// CodeActionFailed reports a business failure; any other error is treated as
// an unexpected fault.
type Handler func(ctx context.Context, tx *bolt.Tx, payload json.RawMessage) (any, error)

type Action struct {
	Name    string
	Write   bool
	Handler Handler
}

type DB struct {
	path     string
	identity string

	mu      sync.RWMutex
	bolt    *bolt.DB
	actions map[string]Action
}

// Open opens or creates the database at path and registers the built-in
// Actions. A file already locked by another process yields ErrLocked after
// lockTimeout.
func Open(path, identity string, lockTimeout time.Duration) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		if errors.Is(err, bolterrors.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCounters, bucketRecords} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	db := &DB{
		path:     path,
		identity: identity,
		bolt:     bdb,
		actions:  make(map[string]Action),
	}
	registerBuiltins(db)
	return db, nil
}

// Register adds or replaces an Action.
func (d *DB) Register(a Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions[a.Name] = a
}

// IsWrite reports whether name is a state-changing Action. ok is false for
// unknown names.
func (d *DB) IsWrite(name string) (write, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actions[name]
	return a.Write, ok
}

// Actions lists registered Action names.
func (d *DB) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.actions))
	for n := range d.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply runs the named Action and returns its JSON-encoded result.
func (d *DB) Apply(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	d.mu.RLock()
	a, ok := d.actions[name]
	bdb := d.bolt
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	if bdb == nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result any
	run := func(tx *bolt.Tx) error {
		var err error
		result, err = a.Handler(ctx, tx, payload)
		return err
	}

	var err error
	if a.Write {
		err = bdb.Update(run)
	} else {
		err = bdb.View(run)
	}
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("store: encode %s result: %w", name, err)
	}
	return data, nil
}

func (d *DB) Identity() string { return d.identity }
func (d *DB) Path() string { return d.path }

// Size returns the database size in bytes as seen by the last committed
// transaction.
func (d *DB) Size() int64 {
	d.mu.RLock()
	bdb := d.bolt
	d.mu.RUnlock()
	if bdb == nil {
		return 0
	}
	var size int64
	_ = bdb.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size
}

// Close releases the file lock. Further Apply calls return ErrClosed.
func (d *DB) Close() error {
	d.mu.Lock()
	bdb := d.bolt
	d.bolt = nil
	d.mu.Unlock()
	if bdb == nil {
		return nil
	}
	return bdb.Close()
}

// Fail is shorthand for a business failure.
func Fail(format string, args ...any) error {
	return protocol.Errorf(protocol.CodeActionFailed, format, args...)
}
