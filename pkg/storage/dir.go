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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
)

// DirStore serves objects from a local directory, using slash-separated keys
// relative to the root.
type DirStore struct {
	root string
	fsys fs.FS
}

// NewDirStore returns a store rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{root: dir, fsys: os.DirFS(dir)}
}

func (d *DirStore) CheckBucket(ctx context.Context) error {
	info, err := fs.Stat(d.fsys, ".")
	if err != nil {
		return fmt.Errorf("schema dir %s: %w", d.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("schema dir %s is not a directory", d.root)
	}
	return nil
}

func (d *DirStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := path.Clean(strings.TrimPrefix(key, "/"))
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	data, err := fs.ReadFile(d.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (d *DirStore) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	name := strings.Trim(prefix, "/")
	if name == "" {
		name = "."
	}
	entries, err := fs.ReadDir(d.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name()+"/")
		}
	}
	sort.Strings(out)
	return out, nil
}
