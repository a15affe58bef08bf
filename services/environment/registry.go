// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Registry remembers what each environment was created with.
type Registry interface {
	// Put stores or replaces a record.
	Put(ctx context.Context, env Environment) error

	// Get returns a record or ErrNotFound.
	Get(ctx context.Context, name string) (*Environment, error)

	// List returns every record sorted by name.
	List(ctx context.Context) ([]Environment, error)

	// Delete removes a record. Missing records are not an error.
	Delete(ctx context.Context, name string) error

	// Close releases the store.
	Close() error
}

// =============================================================================
// Badger Registry
// =============================================================================

const registryKeyPrefix = "env/"

// RegistryConfig configures OpenRegistry.
type RegistryConfig struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory keeps everything in memory (tests).
	InMemory bool

	// Logger receives badger's internal logs. Nil silences them.
	Logger *slog.Logger
}

// BadgerRegistry is a Registry backed by BadgerDB.
type BadgerRegistry struct {
	db *badger.DB
}

// OpenRegistry opens (creating if needed) a badger-backed registry.
func OpenRegistry(cfg RegistryConfig) (*BadgerRegistry, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return nil, errors.New("registry path is required for a persistent registry")
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create registry directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open environment registry: %w", err)
	}
	return &BadgerRegistry{db: db}, nil
}

func (r *BadgerRegistry) Put(ctx context.Context, env Environment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Name, err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(registryKeyPrefix+env.Name), data)
	})
}

func (r *BadgerRegistry) Get(ctx context.Context, name string) (*Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var env Environment
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(registryKeyPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return &env, nil
}

func (r *BadgerRegistry) List(ctx context.Context) ([]Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var envs []Environment
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(registryKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var env Environment
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}
			envs = append(envs, env)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Name < envs[j].Name })
	return envs, nil
}

func (r *BadgerRegistry) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(registryKeyPrefix + name))
	})
}

func (r *BadgerRegistry) Close() error {
	return r.db.Close()
}

var _ Registry = (*BadgerRegistry)(nil)

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
