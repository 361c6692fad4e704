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

// Package brokertest provides an in-memory partitioned log that implements
// broker.Conn for tests and local development.
package brokertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/novatechflow/kafscale-portal/pkg/broker"
)

const defaultPollBatch = 2

type entry struct {
	value   []byte
	ts      time.Time
	control bool
}

type partitionLog struct {
	start   int64
	entries []entry
}

func (p *partitionLog) end() int64 { return int64(len(p.entries)) }

type topicLog struct {
	internal   bool
	partitions []*partitionLog
	next       int
}

// Cluster is an in-memory Kafka stand-in. The zero value is not usable; call
// New.
type Cluster struct {
	mu        sync.Mutex
	brokers   []broker.BrokerInfo
	topics    map[string]*topicLog
	available bool
	pollBatch int
	failAfter int
	polls     int
	dialHook  func()
	now       func() time.Time

	dials           int
	connsClosed     int
	producersOpened int
	producersClosed int
	cursorsOpen     int
	produceCalls    int
}

// New returns a reachable cluster with the given number of brokers.
func New(brokers int) *Cluster {
	c := &Cluster{
		topics:    make(map[string]*topicLog),
		available: true,
		pollBatch: defaultPollBatch,
		failAfter: -1,
		now:       time.Now,
	}
	for i := 0; i < brokers; i++ {
		c.brokers = append(c.brokers, broker.BrokerInfo{NodeID: int32(i), Host: fmt.Sprintf("broker-%d", i), Port: 9092})
	}
	return c
}

// CreateTopic adds an empty topic. Existing topics are left untouched.
func (c *Cluster) CreateTopic(name string, partitions int) {
	c.createTopic(name, partitions, false)
}

// CreateInternalTopic adds a topic flagged internal in metadata.
func (c *Cluster) CreateInternalTopic(name string, partitions int) {
	c.createTopic(name, partitions, true)
}

func (c *Cluster) createTopic(name string, partitions int, internal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[name]; ok {
		return
	}
	t := &topicLog{internal: internal}
	for i := 0; i < partitions; i++ {
		t.partitions = append(t.partitions, &partitionLog{})
	}
	c.topics[name] = t
}

// Append writes values to one partition and returns the offset of the last
// one written.
func (c *Cluster) Append(topic string, partition int32, values ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.partitionLocked(topic, partition)
	if err != nil {
		return 0, err
	}
	for _, v := range values {
		p.entries = append(p.entries, entry{value: []byte(v), ts: c.now()})
	}
	return p.end() - 1, nil
}

// AppendMarker writes a transaction marker to one partition and returns its
// offset.
func (c *Cluster) AppendMarker(topic string, partition int32) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.partitionLocked(topic, partition)
	if err != nil {
		return 0, err
	}
	p.entries = append(p.entries, entry{ts: c.now(), control: true})
	return p.end() - 1, nil
}

// Fill appends count generated records ("{topic}-{partition}-{offset}") to a
// partition.
func (c *Cluster) Fill(topic string, partition int32, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.partitionLocked(topic, partition)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		value := fmt.Sprintf("%s-%d-%d", topic, partition, p.end())
		p.entries = append(p.entries, entry{value: []byte(value), ts: c.now()})
	}
	return nil
}

// Trim moves a partition's log start forward, as retention would.
func (c *Cluster) Trim(topic string, partition int32, start int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.partitionLocked(topic, partition)
	if err != nil {
		return err
	}
	if start > p.end() {
		start = p.end()
	}
	if start > p.start {
		p.start = start
	}
	return nil
}

// Records returns a copy of the retained values of one partition. Markers
// are skipped.
func (c *Cluster) Records(topic string, partition int32) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.partitionLocked(topic, partition)
	if err != nil {
		return nil
	}
	out := make([]string, 0, p.end()-p.start)
	for _, e := range p.entries[p.start:] {
		if e.control {
			continue
		}
		out = append(out, string(e.value))
	}
	return out
}

func (c *Cluster) partitionLocked(topic string, partition int32) (*partitionLog, error) {
	t, ok := c.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrTopicNotExisting, topic)
	}
	if partition < 0 || int(partition) >= len(t.partitions) {
		return nil, fmt.Errorf("partition %d out of range for %s", partition, topic)
	}
	return t.partitions[partition], nil
}

// SetAvailable toggles reachability. An unavailable cluster fails dials,
// metadata, produce and poll calls with broker.ErrUnavailable.
func (c *Cluster) SetAvailable(ok bool) {
	c.mu.Lock()
	c.available = ok
	c.mu.Unlock()
}

// FailPollsAfter makes every poll after the first n fail with
// broker.ErrUnavailable. A negative n disables the fault.
func (c *Cluster) FailPollsAfter(n int) {
	c.mu.Lock()
	c.failAfter = n
	c.polls = 0
	c.mu.Unlock()
}

// SetPollBatch sets how many records per partition one poll returns.
func (c *Cluster) SetPollBatch(n int) {
	c.mu.Lock()
	if n > 0 {
		c.pollBatch = n
	}
	c.mu.Unlock()
}

// OnDial installs a hook that runs, without locks held, at the start of every
// dial.
func (c *Cluster) OnDial(fn func()) {
	c.mu.Lock()
	c.dialHook = fn
	c.mu.Unlock()
}

// Dials reports how many dials were attempted.
func (c *Cluster) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// ConnsClosed reports how many connections were closed.
func (c *Cluster) ConnsClosed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connsClosed
}

// ProducersOpened reports how many producers were created.
func (c *Cluster) ProducersOpened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producersOpened
}

// ProducersClosed reports how many producers were closed.
func (c *Cluster) ProducersClosed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producersClosed
}

// OpenCursors reports cursors opened and not yet closed.
func (c *Cluster) OpenCursors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursorsOpen
}

// ProduceCalls reports produce attempts, failed ones included.
func (c *Cluster) ProduceCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.produceCalls
}

// Dial implements broker.Dialer.
func (c *Cluster) Dial(ctx context.Context) (broker.Conn, error) {
	c.mu.Lock()
	c.dials++
	hook := c.dialHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.available {
		return nil, fmt.Errorf("%w: cluster unreachable", broker.ErrUnavailable)
	}
	return &conn{cluster: c}, nil
}

type conn struct {
	cluster *Cluster
	mu      sync.Mutex
	closed  bool
}

func (k *conn) check() error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: connection closed", broker.ErrUnavailable)
	}
	if !k.cluster.available {
		return fmt.Errorf("%w: cluster unreachable", broker.ErrUnavailable)
	}
	return nil
}

func (k *conn) Metadata(ctx context.Context) (broker.Cluster, error) {
	if err := ctx.Err(); err != nil {
		return broker.Cluster{}, err
	}
	c := k.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := k.check(); err != nil {
		return broker.Cluster{}, err
	}
	out := broker.Cluster{
		Brokers: append([]broker.BrokerInfo(nil), c.brokers...),
		Topics:  make(map[string]broker.TopicHandle, len(c.topics)),
	}
	for name, t := range c.topics {
		h := broker.TopicHandle{Name: name, Internal: t.internal}
		for i := range t.partitions {
			h.Partitions = append(h.Partitions, int32(i))
		}
		out.Topics[name] = h
	}
	return out, nil
}

func (k *conn) OpenCursor(ctx context.Context, topic broker.TopicHandle) (broker.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := k.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := k.check(); err != nil {
		return nil, err
	}
	t, ok := c.topics[topic.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrTopicNotExisting, topic.Name)
	}
	held := make(map[int32]int64, len(t.partitions))
	for i, p := range t.partitions {
		if p.start >= p.end() {
			held[int32(i)] = broker.OffsetNone
			continue
		}
		held[int32(i)] = p.end() - 1
	}
	c.cursorsOpen++
	return &cursor{conn: k, topic: topic.Name, held: held}, nil
}

func (k *conn) NewProducer(ctx context.Context) (broker.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := k.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := k.check(); err != nil {
		return nil, err
	}
	c.producersOpened++
	return &producer{conn: k}, nil
}

func (k *conn) Close() {
	k.mu.Lock()
	already := k.closed
	k.closed = true
	k.mu.Unlock()
	if already {
		return
	}
	k.cluster.mu.Lock()
	k.cluster.connsClosed++
	k.cluster.mu.Unlock()
}

type producer struct {
	conn   *conn
	closed bool
}

func (p *producer) Produce(ctx context.Context, topic string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := p.conn.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	c.produceCalls++
	if err := p.conn.check(); err != nil {
		return err
	}
	t, ok := c.topics[topic]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrTopicNotExisting, topic)
	}
	part := t.partitions[t.next%len(t.partitions)]
	t.next++
	part.entries = append(part.entries, entry{value: append([]byte(nil), value...), ts: c.now()})
	return nil
}

func (p *producer) Close() {
	if p.closed {
		return
	}
	p.closed = true
	c := p.conn.cluster
	c.mu.Lock()
	c.producersClosed++
	c.mu.Unlock()
}

type cursor struct {
	conn     *conn
	topic    string
	held     map[int32]int64
	position map[int32]int64
	closed   bool
}

func (r *cursor) Held() map[int32]int64 {
	out := make(map[int32]int64, len(r.held))
	for p, o := range r.held {
		out[p] = o
	}
	return out
}

func (r *cursor) Rewind(ctx context.Context, targets map[int32]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := r.conn.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := r.conn.check(); err != nil {
		return err
	}
	t, ok := c.topics[r.topic]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrTopicNotExisting, r.topic)
	}
	r.position = make(map[int32]int64, len(targets))
	for p, target := range targets {
		if int(p) >= len(t.partitions) || p < 0 {
			return fmt.Errorf("partition %d out of range for %s", p, r.topic)
		}
		log := t.partitions[p]
		next := target + 1
		if target < 0 || next < log.start {
			next = log.start
		}
		r.position[p] = next
	}
	return nil
}

// Poll returns up to the poll batch of records per partition, partitions in
// ascending order. With nothing left to read it blocks until ctx ends.
func (r *cursor) Poll(ctx context.Context) ([]broker.Record, error) {
	c := r.conn.cluster
	c.mu.Lock()
	if err := r.conn.check(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.failAfter >= 0 && c.polls >= c.failAfter {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: connection reset", broker.ErrUnavailable)
	}
	c.polls++
	t, ok := c.topics[r.topic]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", broker.ErrTopicNotExisting, r.topic)
	}
	partitions := make([]int32, 0, len(r.position))
	for p := range r.position {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var out []broker.Record
	for _, p := range partitions {
		log := t.partitions[p]
		pos := r.position[p]
		if pos < log.start {
			pos = log.start
		}
		for n := 0; n < c.pollBatch && pos < log.end(); n++ {
			e := log.entries[pos]
			out = append(out, broker.Record{
				Topic:     r.topic,
				Partition: p,
				Offset:    pos,
				Timestamp: e.ts,
				Value:     append([]byte(nil), e.value...),
				Control:   e.control,
			})
			pos++
		}
		r.position[p] = pos
	}
	c.mu.Unlock()

	if len(out) > 0 {
		return out, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *cursor) Close() {
	if r.closed {
		return
	}
	r.closed = true
	c := r.conn.cluster
	c.mu.Lock()
	c.cursorsOpen--
	c.mu.Unlock()
}
