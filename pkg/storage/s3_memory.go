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

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory ObjectStore for development/testing.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	gets  map[string]int
	onGet func(key string)
}

// NewMemoryStore initializes the in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		gets: make(map[string]int),
	}
}

// Put stores a copy of body under key.
func (m *MemoryStore) Put(key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), body...)
}

// OnGet installs a hook invoked, without the lock held, at the start of every
// GetObject. Tests use it to hold a fetch in flight.
func (m *MemoryStore) OnGet(fn func(key string)) {
	m.mu.Lock()
	m.onGet = fn
	m.mu.Unlock()
}

// Gets reports how many times key was fetched.
func (m *MemoryStore) Gets(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets[key]
}

func (m *MemoryStore) CheckBucket(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	m.gets[key]++
	hook := m.onGet
	m.mu.Unlock()
	if hook != nil {
		hook(key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.data[key]; ok {
		return append([]byte(nil), data...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
}

func (m *MemoryStore) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for key := range m.data {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		idx := strings.Index(rest, "/")
		if idx <= 0 {
			continue
		}
		seen[rest[:idx+1]] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for dir := range seen {
		out = append(out, dir)
	}
	sort.Strings(out)
	return out, nil
}
