// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache persists document symbol trees in BadgerDB so that
// unchanged files are not re-requested from their language server.
//
// Entries are keyed by the file's relative path and carry the content hash
// they were computed from. A lookup with a different hash is a miss.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/smartedit/services/smartedit/symbol"
)

// keyPrefix namespaces document symbol entries.
const keyPrefix = "docsym/"

// Config holds configuration for a symbol cache.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory keeps the cache in RAM only.
	InMemory bool

	// SyncWrites fsyncs every write. The cache can always be rebuilt, so
	// the default is off.
	SyncWrites bool

	// TTL expires entries that have not been rewritten. Zero keeps them.
	TTL time.Duration

	// GCInterval is how often to run value log garbage collection.
	// Zero disables it. Ignored when InMemory is true.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal messages. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns the on-disk configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		TTL:            7 * 24 * time.Hour,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests and ephemeral runs.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
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

// entry is the stored value.
type entry struct {
	Hash string       `json:"hash"`
	Tree *symbol.Tree `json:"tree"`
}

// Cache is a BadgerDB-backed symbol.Cache.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Cache struct {
	db  *badger.DB
	ttl time.Duration

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

// Open opens or creates a cache.
//
// Inputs:
//
//	cfg - Cache configuration. Path is required unless InMemory is set.
//
// Outputs:
//
//	*Cache - The cache. Caller must call Close.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent symbol cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open symbol cache: %w", err)
	}

	c := &Cache{db: db, ttl: cfg.TTL}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.stopGC = make(chan struct{})
		c.gcDone = make(chan struct{})
		go c.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return c, nil
}

// OpenInMemory opens an empty in-memory cache.
func OpenInMemory() (*Cache, error) {
	return Open(InMemoryConfig())
}

// Get returns the tree stored for relPath if it was computed from content
// with the given hash. The tree is decoded fresh on every call.
func (c *Cache) Get(relPath, hash string) (*symbol.Tree, bool) {
	var e entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(relPath))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil || e.Hash != hash || e.Tree == nil || e.Tree.Len() == 0 {
		return nil, false
	}
	return e.Tree, true
}

// Put stores tree for relPath, replacing any earlier entry. Bodies are not
// stored.
func (c *Cache) Put(relPath, hash string, tree *symbol.Tree) error {
	stripped := tree.Clone()
	symbol.StripBodies(stripped)

	data, err := json.Marshal(entry{Hash: hash, Tree: stripped})
	if err != nil {
		return fmt.Errorf("encode symbols of %s: %w", relPath, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key(relPath), data)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Invalidate drops the entry for relPath. Missing entries are not an error.
func (c *Cache) Invalidate(relPath string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(relPath))
	})
}

// Clear drops every entry.
func (c *Cache) Clear() error {
	return c.db.DropPrefix([]byte(keyPrefix))
}

// Len counts the stored entries.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close stops garbage collection and closes the database. Safe to call
// more than once.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.stopGC != nil {
			close(c.stopGC)
			<-c.gcDone
		}
		err = c.db.Close()
	})
	return err
}

func (c *Cache) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(c.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing to collect.
			if err := c.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("symbol cache GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func key(relPath string) []byte {
	return []byte(keyPrefix + relPath)
}

var _ symbol.Cache = (*Cache)(nil)
