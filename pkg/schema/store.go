// Copyright 2025, 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package schema

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/novatechflow/kafscale-portal/internal/metrics"
	"github.com/novatechflow/kafscale-portal/pkg/storage"
)

const defaultFetchTimeout = 10 * time.Second

// StoreOptions tunes a Store.
type StoreOptions struct {
	// CacheTTL bounds how long a loaded schema is served from cache. Zero
	// keeps entries until invalidated.
	CacheTTL time.Duration
	// FetchTimeout bounds a single object store read.
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

type cachedSchema struct {
	schema  *Schema
	expires time.Time
}

// Store loads schemas from an object store. Loads are single-flighted per key
// and successful results are cached.
type Store struct {
	source       storage.ObjectStore
	ttl          time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	cache map[Key]cachedSchema
	gen   uint64
}

// NewStore returns a Store reading from source.
func NewStore(source storage.ObjectStore, opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	return &Store{
		source:       source,
		ttl:          opts.CacheTTL,
		fetchTimeout: fetchTimeout,
		logger:       logger,
		now:          time.Now,
		cache:        make(map[Key]cachedSchema),
	}
}

// Load returns the schema for key, fetching and parsing it at most once per
// key at a time. Waiters share the outcome of the fetch in flight, including
// its failure.
func (s *Store) Load(ctx context.Context, key Key) (*Schema, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if sch, ok := s.cached(key); ok {
		metrics.SchemaCacheHits.Inc()
		return sch, nil
	}

	ch := s.group.DoChan(key.String(), func() (any, error) {
		if sch, ok := s.cached(key); ok {
			return sch, nil
		}
		return s.fetch(key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Schema), nil
	}
}

// Invalidate drops key from the cache. A load in flight for key does not
// repopulate the cache.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	delete(s.cache, key)
	s.gen++
	s.mu.Unlock()
	s.group.Forget(key.String())
	s.logger.Info("schema invalidated", "key", key.String())
}

// InvalidateAll empties the cache.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.cache))
	for key := range s.cache {
		keys = append(keys, key)
	}
	s.cache = make(map[Key]cachedSchema)
	s.gen++
	s.mu.Unlock()
	for _, key := range keys {
		s.group.Forget(key.String())
	}
	s.logger.Info("schema cache cleared", "entries", len(keys))
}

func (s *Store) cached(key Key) (*Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if !entry.expires.IsZero() && !entry.expires.After(s.now()) {
		return nil, false
	}
	return entry.schema, true
}

// fetch runs detached from any single caller so one cancelled request does
// not fail the others waiting on the same key.
func (s *Store) fetch(key Key) (*Schema, error) {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()

	start := s.now()
	data, err := s.source.GetObject(ctx, key.ObjectKey())
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			metrics.SchemaLoads.WithLabelValues("not_found").Inc()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		metrics.SchemaLoads.WithLabelValues("error").Inc()
		s.logger.Warn("schema fetch failed", "key", key.String(), "error", err)
		return nil, fmt.Errorf("fetch schema %s: %w", key, err)
	}
	sch, err := Parse(key, data)
	if err != nil {
		metrics.SchemaLoads.WithLabelValues("invalid").Inc()
		s.logger.Warn("schema definition rejected", "key", key.String(), "error", err)
		return nil, err
	}
	metrics.SchemaLoads.WithLabelValues("ok").Inc()

	entry := cachedSchema{schema: sch}
	if s.ttl > 0 {
		entry.expires = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	if s.gen == gen {
		s.cache[key] = entry
	}
	s.mu.Unlock()
	s.logger.Debug("schema loaded", "key", key.String(), "object", key.ObjectKey(), "elapsed", s.now().Sub(start))
	return sch, nil
}
