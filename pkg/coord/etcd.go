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

// Package coord talks to the coordination service shared by portal
// instances: schema cache invalidations and the gateway registry.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/novatechflow/kafscale-portal/internal/metrics"
)

const (
	defaultKeyPrefix       = "portal"
	defaultLeaseTTLSeconds = 15
	defaultDialTimeout     = 5 * time.Second
	requestTimeout         = 5 * time.Second
)

// Config describes the etcd connection.
type Config struct {
	Endpoints       []string
	Username        string
	Password        string
	DialTimeout     time.Duration
	KeyPrefix       string
	LeaseTTLSeconds int
	Logger          *slog.Logger
}

// Instance is a registered gateway process.
type Instance struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	StartedAt int64  `json:"started_at"`
}

// Invalidation asks every instance to drop a cached schema. An empty
// Descriptor drops all of them.
type Invalidation struct {
	Descriptor string `json:"descriptor"`
	Origin     string `json:"origin"`
	IssuedAt   int64  `json:"issued_at"`
}

// Coordinator is an etcd backed coordination client.
type Coordinator struct {
	client   *clientv3.Client
	prefix   string
	leaseTTL int
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	lease clientv3.LeaseID
}

// New connects to etcd.
func New(cfg Config) (*Coordinator, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	prefix := strings.Trim(cfg.KeyPrefix, "/")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.LeaseTTLSeconds
	if ttl <= 0 {
		ttl = defaultLeaseTTLSeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		client:   cli,
		prefix:   "/" + prefix,
		leaseTTL: ttl,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (c *Coordinator) invalidationKey() string {
	return c.prefix + "/schemas/invalidation"
}

func (c *Coordinator) instancePrefix() string {
	return c.prefix + "/gateways/"
}

// PublishInvalidation broadcasts inv to all watching instances.
func (c *Coordinator) PublishInvalidation(ctx context.Context, inv Invalidation) error {
	if inv.IssuedAt == 0 {
		inv.IssuedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	putCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if _, err := c.client.Put(putCtx, c.invalidationKey(), string(data)); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// WatchInvalidations calls fn for every invalidation published after the
// call. It returns immediately; the watch ends on Close.
func (c *Coordinator) WatchInvalidations(fn func(Invalidation)) {
	watchChan := c.client.Watch(c.ctx, c.invalidationKey())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				c.logger.Warn("invalidation watch error", "error", err)
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var inv Invalidation
				if err := json.Unmarshal(ev.Kv.Value, &inv); err != nil {
					c.logger.Warn("invalid invalidation payload", "error", err)
					continue
				}
				metrics.SchemaInvalidations.Inc()
				fn(inv)
			}
		}
	}()
}

// Register publishes inst under a lease kept alive until Close.
func (c *Coordinator) Register(ctx context.Context, inst Instance) error {
	if inst.ID == "" {
		return errors.New("instance id required")
	}
	if inst.StartedAt == 0 {
		inst.StartedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	lease, err := c.client.Grant(ctx, int64(c.leaseTTL))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	if _, err := c.client.Put(ctx, c.instancePrefix()+inst.ID, string(data), clientv3.WithLease(lease.ID)); err != nil {
		_, _ = c.client.Revoke(ctx, lease.ID)
		return fmt.Errorf("register instance: %w", err)
	}
	keepAlive, err := c.client.KeepAlive(c.ctx, lease.ID)
	if err != nil {
		_, _ = c.client.Revoke(ctx, lease.ID)
		return fmt.Errorf("keep alive: %w", err)
	}
	c.mu.Lock()
	c.lease = lease.ID
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for range keepAlive {
		}
		if c.ctx.Err() == nil {
			c.logger.Warn("gateway registration lease lost", "id", inst.ID)
		}
	}()
	c.logger.Info("gateway registered", "id", inst.ID, "address", inst.Address)
	return nil
}

// Instances lists registered gateways sorted by id.
func (c *Coordinator) Instances(ctx context.Context) ([]Instance, error) {
	getCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := c.client.Get(getCtx, c.instancePrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			c.logger.Warn("skipping malformed instance", "key", string(kv.Key), "error", err)
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close revokes the registration lease and stops all watches.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	lease := c.lease
	c.lease = 0
	c.mu.Unlock()
	if lease != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		_, _ = c.client.Revoke(ctx, lease)
		cancel()
	}
	c.cancel()
	err := c.client.Close()
	c.wg.Wait()
	return err
}
