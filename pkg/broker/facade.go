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

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/novatechflow/kafscale-portal/internal/metrics"
)

const (
	defaultConnectionTTL = 5 * time.Minute
	defaultDialTimeout   = 10 * time.Second
	defaultProducerPool  = 4
)

// Options tunes a Facade.
type Options struct {
	// TTL is how long a connection handle is reused before a fresh one is
	// dialed to pick up topology changes.
	TTL          time.Duration
	DialTimeout  time.Duration
	ProducerPool int
	Logger       *slog.Logger
}

// Facade hands out the process-wide connection handle. Handle creation is
// single-flighted; handles are reference counted so an operation in flight
// keeps using the handle it started with after a refresh.
type Facade struct {
	dial         Dialer
	ttl          time.Duration
	dialTimeout  time.Duration
	producerPool int
	logger       *slog.Logger
	now          func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	current *Handle
	closed  bool
}

// NewFacade returns a Facade dialing through dial. Nothing is dialed until
// the first call that needs the cluster.
func NewFacade(dial Dialer, opts Options) *Facade {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultConnectionTTL
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ProducerPool <= 0 {
		opts.ProducerPool = defaultProducerPool
	}
	return &Facade{
		dial:         dial,
		ttl:          opts.TTL,
		dialTimeout:  opts.DialTimeout,
		producerPool: opts.ProducerPool,
		logger:       logger,
		now:          time.Now,
	}
}

// Connect returns the cached handle, dialing a new one when none exists or
// the cached one outlived the TTL. An expired handle keeps serving while
// redials fail. The caller must Release the handle.
func (f *Facade) Connect(ctx context.Context) (*Handle, error) {
	if h, err := f.acquireCurrent(true); h != nil || err != nil {
		return h, err
	}
	ch := f.group.DoChan("connect", func() (any, error) {
		return nil, f.redial()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			stale, err := f.acquireCurrent(false)
			if stale == nil || err != nil {
				return nil, res.Err
			}
			f.logger.Warn("refresh failed, serving expired broker connection", "error", res.Err)
			return stale, nil
		}
	}
	h, err := f.acquireCurrent(false)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: no connection handle", ErrUnavailable)
	}
	return h, nil
}

func (f *Facade) acquireCurrent(checkTTL bool) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("%w: facade closed", ErrUnavailable)
	}
	h := f.current
	if h == nil {
		return nil, nil
	}
	if checkTTL && f.now().Sub(h.created) >= f.ttl {
		return nil, nil
	}
	h.acquire()
	return h, nil
}

// redial runs inside the single flight. It detaches from the caller's
// context so waiters are not failed by one cancelled request.
func (f *Facade) redial() error {
	f.mu.Lock()
	if f.current != nil && f.now().Sub(f.current.created) < f.ttl {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), f.dialTimeout)
	defer cancel()

	conn, err := f.dial(ctx)
	if err != nil {
		metrics.BrokerDials.WithLabelValues("error").Inc()
		f.logger.Warn("broker dial failed", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cluster, err := conn.Metadata(ctx)
	if err != nil {
		conn.Close()
		metrics.BrokerDials.WithLabelValues("error").Inc()
		f.logger.Warn("broker metadata failed", "error", err)
		return fmt.Errorf("%w: metadata: %v", ErrUnavailable, err)
	}
	metrics.BrokerDials.WithLabelValues("ok").Inc()

	h := newHandle(conn, cluster, f.now(), f.producerPool, f.logger)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		h.retire()
		return fmt.Errorf("%w: facade closed", ErrUnavailable)
	}
	old := f.current
	f.current = h
	f.mu.Unlock()
	if old != nil {
		old.retire()
	}
	f.logger.Info("broker connection ready", "brokers", len(cluster.Brokers), "topics", len(cluster.Topics))
	return nil
}

// ListTopics returns the non-internal topic names, sorted.
func (f *Facade) ListTopics(ctx context.Context) ([]string, error) {
	h, err := f.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return h.TopicNames(), nil
}

// ResolveTopic looks name up in the handle's topic directory.
func (f *Facade) ResolveTopic(ctx context.Context, name string) (TopicHandle, error) {
	h, err := f.Connect(ctx)
	if err != nil {
		return TopicHandle{}, err
	}
	defer h.Release()
	t, ok := h.Topic(name)
	if !ok {
		return TopicHandle{}, fmt.Errorf("%w: %s", ErrTopicNotExisting, name)
	}
	return t, nil
}

// OpenCursor opens an ephemeral tail cursor over topic. The cursor pins the
// handle until it is closed.
func (f *Facade) OpenCursor(ctx context.Context, topic TopicHandle) (Cursor, error) {
	h, err := f.Connect(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := h.conn.OpenCursor(ctx, topic)
	if err != nil {
		h.Release()
		return nil, classify(err)
	}
	return &pinnedCursor{Cursor: cur, h: h}, nil
}

// AcquireProducer takes a producer from the handle's pool, creating one if
// the pool is empty. At most Options.ProducerPool producers are in use per
// handle; further callers wait. Release must be called on every path.
func (f *Facade) AcquireProducer(ctx context.Context, topic TopicHandle) (*ProducerHandle, error) {
	h, err := f.Connect(ctx)
	if err != nil {
		return nil, err
	}
	select {
	case h.slots <- struct{}{}:
	case <-ctx.Done():
		h.Release()
		return nil, ctx.Err()
	}
	var p Producer
	select {
	case p = <-h.idle:
	default:
		p, err = h.conn.NewProducer(ctx)
		if err != nil {
			<-h.slots
			h.Release()
			return nil, classify(err)
		}
	}
	return &ProducerHandle{h: h, p: p, topic: topic}, nil
}

// Publish sends value to the named topic. The topic is resolved before a
// producer is acquired. Nothing is retried.
func (f *Facade) Publish(ctx context.Context, name string, value []byte) error {
	t, err := f.ResolveTopic(ctx, name)
	if err != nil {
		return err
	}
	p, err := f.AcquireProducer(ctx, t)
	if err != nil {
		metrics.ProduceTotal.WithLabelValues(name, "error").Inc()
		return err
	}
	defer p.Release()
	if err := p.Send(ctx, value); err != nil {
		metrics.ProduceTotal.WithLabelValues(name, "error").Inc()
		return err
	}
	metrics.ProduceTotal.WithLabelValues(name, "ok").Inc()
	return nil
}

// ConnectionHealth returns the number of brokers answering a fresh metadata
// request.
func (f *Facade) ConnectionHealth(ctx context.Context) (int, error) {
	h, err := f.Connect(ctx)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	cluster, err := h.conn.Metadata(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return len(cluster.Brokers), nil
}

// Close retires the current handle. Operations still holding it finish
// first; later calls fail with ErrUnavailable.
func (f *Facade) Close() {
	f.mu.Lock()
	f.closed = true
	h := f.current
	f.current = nil
	f.mu.Unlock()
	if h != nil {
		h.retire()
	}
}

func classify(err error) error {
	if errors.Is(err, ErrTopicNotExisting) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Handle is a reference counted connection plus the metadata snapshot taken
// when it was dialed.
type Handle struct {
	conn    Conn
	cluster Cluster
	created time.Time
	logger  *slog.Logger

	idle  chan Producer
	slots chan struct{}

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
}

func newHandle(conn Conn, cluster Cluster, created time.Time, pool int, logger *slog.Logger) *Handle {
	return &Handle{
		conn:    conn,
		cluster: cluster,
		created: created,
		logger:  logger,
		idle:    make(chan Producer, pool),
		slots:   make(chan struct{}, pool),
	}
}

// Created is when the handle was dialed.
func (h *Handle) Created() time.Time { return h.created }

// Brokers returns the brokers known at dial time.
func (h *Handle) Brokers() []BrokerInfo {
	return append([]BrokerInfo(nil), h.cluster.Brokers...)
}

// TopicNames returns the non-internal topics, sorted.
func (h *Handle) TopicNames() []string {
	names := make([]string, 0, len(h.cluster.Topics))
	for name, t := range h.cluster.Topics {
		if t.Internal {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Topic looks a topic up in the directory.
func (h *Handle) Topic(name string) (TopicHandle, bool) {
	t, ok := h.cluster.Topics[name]
	return t, ok
}

func (h *Handle) acquire() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// Release drops a reference taken by Connect.
func (h *Handle) Release() {
	h.mu.Lock()
	h.refs--
	shutdown := h.refs <= 0 && h.retired && !h.closed
	if shutdown {
		h.closed = true
	}
	h.mu.Unlock()
	if shutdown {
		h.shutdown()
	}
}

func (h *Handle) retire() {
	h.mu.Lock()
	h.retired = true
	shutdown := h.refs <= 0 && !h.closed
	if shutdown {
		h.closed = true
	}
	h.mu.Unlock()
	if shutdown {
		h.shutdown()
	}
}

func (h *Handle) isRetired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retired
}

func (h *Handle) shutdown() {
	for {
		select {
		case p := <-h.idle:
			p.Close()
		default:
			h.conn.Close()
			h.logger.Debug("broker connection closed", "created", h.created)
			return
		}
	}
}

type pinnedCursor struct {
	Cursor
	h    *Handle
	once sync.Once
}

func (c *pinnedCursor) Close() {
	c.once.Do(func() {
		c.Cursor.Close()
		c.h.Release()
	})
}

// ProducerHandle is an exclusively held producer.
type ProducerHandle struct {
	h      *Handle
	p      Producer
	topic  TopicHandle
	broken bool
	once   sync.Once
}

// Topic is the topic the producer was acquired for.
func (p *ProducerHandle) Topic() TopicHandle { return p.topic }

// Send produces value synchronously. A failed producer is discarded on
// Release instead of returning to the pool.
func (p *ProducerHandle) Send(ctx context.Context, value []byte) error {
	if err := p.p.Produce(ctx, p.topic.Name, value); err != nil {
		p.broken = true
		return classify(err)
	}
	return nil
}

// Release returns the producer to the pool. It is safe to call more than once.
func (p *ProducerHandle) Release() {
	p.once.Do(func() {
		if p.broken || p.h.isRetired() {
			p.p.Close()
		} else {
			select {
			case p.h.idle <- p.p:
			default:
				p.p.Close()
			}
		}
		<-p.h.slots
		p.h.Release()
	})
}
