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
)

// ErrObjectNotFound is returned when a key does not exist in the store.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the read side of the object store holding schema
// definitions and model directories.
type ObjectStore interface {
	// GetObject returns the full object body or ErrObjectNotFound.
	GetObject(ctx context.Context, key string) ([]byte, error)
	// ListDirs returns the immediate sub-directories below prefix, each with
	// a trailing slash and without the prefix.
	ListDirs(ctx context.Context, prefix string) ([]string, error)
	// CheckBucket verifies the backing bucket or directory is reachable.
	CheckBucket(ctx context.Context) error
}

// S3Config describes connection details for AWS S3 or compatible endpoints.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}
