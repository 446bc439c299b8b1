// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifactpool

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/bureau-foundation/artifactp2p/lib/artifact"
)

// Compile-time interface check.
var _ Pool = (*Badger)(nil)

// Key layout. Artifact keys are the prefix followed by the MarshalID
// encoding of the ID, which is deterministic, so one ID has exactly
// one key.
var (
	artifactPrefix = []byte("artifact/")
	purgeHeightKey = []byte("meta/purge-height")
)

// Badger is a Pool persisted in a BadgerDB directory. The purge height
// is persisted with the artifacts, so a restarted node keeps rejecting
// what it already garbage collected.
type Badger struct {
	db        *badger.DB
	validator Validator
	broker    *broker
	logger    *slog.Logger

	// mu serializes writers so the presence check in Put and the
	// purge-height check cannot interleave with a purge.
	mu     sync.Mutex
	below  artifact.Height
	closed bool
}

// BadgerOptions configures OpenBadger.
type BadgerOptions struct {
	Options

	// DataDir is the database directory. Required unless InMemory.
	DataDir string

	// InMemory keeps the database in memory only. Tests use it.
	InMemory bool

	Logger *slog.Logger
}

// OpenBadger opens (creating if needed) a badger-backed pool.
func OpenBadger(options BadgerOptions) (*Badger, error) {
	if options.DataDir == "" && !options.InMemory {
		return nil, errors.New("badger pool: DataDir is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	badgerOptions := badger.DefaultOptions(options.DataDir).WithLogger(nil)
	if options.InMemory {
		badgerOptions = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(badgerOptions)
	if err != nil {
		return nil, fmt.Errorf("opening badger pool: %w", err)
	}

	pool := &Badger{
		db:        db,
		validator: options.Validator,
		broker:    newBroker(options.withDefaults().SubscriptionCapacity),
		logger:    logger,
	}
	if err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(purgeHeightKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			if len(value) != 8 {
				return fmt.Errorf("purge height is %d bytes, want 8", len(value))
			}
			pool.below = artifact.Height(binary.BigEndian.Uint64(value))
			return nil
		})
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading badger pool purge height: %w", err)
	}
	return pool, nil
}

func artifactKey(id artifact.ID) ([]byte, error) {
	encoded, err := artifact.MarshalID(id)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), artifactPrefix...), encoded...), nil
}

func (b *Badger) Get(_ context.Context, id artifact.ID) ([]byte, error) {
	key, err := artifactKey(id)
	if err != nil {
		return nil, err
	}
	var payload []byte
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, ErrNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return nil, ErrClosed
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", id, err)
	}
	return payload, nil
}

func (b *Badger) Contains(ctx context.Context, id artifact.ID) (bool, error) {
	_, err := b.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *Badger) Put(_ context.Context, id artifact.ID, payload []byte) error {
	key, err := artifactKey(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	stored, err := admit(id, payload, b.below, b.validator)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	added := false
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return txn.Set(key, payload)
	})
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing %s: %w", id, err)
	}

	if added {
		b.broker.publish(Event{Kind: EventAdded, ID: stored.ID, Attribute: stored.Attribute})
	}
	return nil
}

func (b *Badger) PurgeBelow(_ context.Context, height artifact.Height) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	if height <= b.below {
		b.mu.Unlock()
		return 0, nil
	}

	var expired [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		iterator := txn.NewIterator(badger.IteratorOptions{Prefix: artifactPrefix})
		defer iterator.Close()
		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			key := iterator.Item().KeyCopy(nil)
			id, err := artifact.UnmarshalID(key[len(artifactPrefix):])
			if err != nil {
				b.logger.Warn("undecodable key in artifact pool", "key", fmt.Sprintf("%x", key), "error", err)
				continue
			}
			if artifact.Expired(id, height-1) {
				expired = append(expired, key)
			}
		}
		return nil
	})
	if err != nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("scanning artifact pool: %w", err)
	}

	batch := b.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range expired {
		if err := batch.Delete(key); err != nil {
			b.mu.Unlock()
			return 0, fmt.Errorf("deleting expired artifact: %w", err)
		}
	}
	var encoded [8]byte
	binary.BigEndian.PutUint64(encoded[:], uint64(height))
	if err := batch.Set(purgeHeightKey, encoded[:]); err != nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("recording purge height: %w", err)
	}
	if err := batch.Flush(); err != nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("purging artifact pool: %w", err)
	}
	b.below = height
	b.mu.Unlock()

	b.broker.publish(Event{Kind: EventPurged, Watermark: height - 1})
	return len(expired), nil
}

func (b *Badger) PurgeHeight() artifact.Height {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.below
}

func (b *Badger) IDs(_ context.Context) ([]artifact.ID, error) {
	var ids []artifact.ID
	err := b.db.View(func(txn *badger.Txn) error {
		iterator := txn.NewIterator(badger.IteratorOptions{Prefix: artifactPrefix})
		defer iterator.Close()
		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			key := iterator.Item().Key()
			id, err := artifact.UnmarshalID(key[len(artifactPrefix):])
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrClosed
	}
	return ids, err
}

func (b *Badger) Subscribe() *Subscription {
	return b.broker.subscribe()
}

// RunGC reclaims value log space freed by purges. Call it
// periodically; a pass with nothing to rewrite is not an error.
func (b *Badger) RunGC(discardRatio float64) error {
	err := b.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close ends every subscription and closes the database.
func (b *Badger) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.broker.close()
	return b.db.Close()
}
