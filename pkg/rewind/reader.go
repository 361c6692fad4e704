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

// Package rewind serves "last N messages" reads over a partitioned log
// without a persistent cursor. Each read opens an ephemeral cursor at the
// tail, rewinds every partition by the same window and drains forward.
package rewind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/novatechflow/kafscale-portal/internal/metrics"
	"github.com/novatechflow/kafscale-portal/pkg/broker"
)

const (
	defaultDrainTimeout = 10 * time.Second
	maxRewindPasses     = 3
)

// Source resolves topics and opens cursors. *broker.Facade implements it.
type Source interface {
	ResolveTopic(ctx context.Context, name string) (broker.TopicHandle, error)
	OpenCursor(ctx context.Context, topic broker.TopicHandle) (broker.Cursor, error)
}

// Decoder turns a payload into a JSON-friendly value.
type Decoder interface {
	Decode(ctx context.Context, topic string, value []byte) (any, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, topic string, value []byte) (any, error)

func (f DecoderFunc) Decode(ctx context.Context, topic string, value []byte) (any, error) {
	return f(ctx, topic, value)
}

// Projection selects what each returned entry carries.
type Projection int

const (
	// Values carries the decoded payload and timestamp.
	Values Projection = iota
	// Offsets carries partition, offset and timestamp.
	Offsets
)

// Entry is one projected message.
type Entry struct {
	Value     any    `json:"value,omitempty"`
	Partition *int32 `json:"partition,omitempty"`
	Offset    *int64 `json:"offset,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Options tunes a Reader.
type Options struct {
	// DrainTimeout bounds the drain phase of one read.
	DrainTimeout time.Duration
	// Decoder is applied in the Values projection. Without one, payloads are
	// returned as raw JSON when valid, as text otherwise.
	Decoder Decoder
	Logger  *slog.Logger
}

// Reader performs rewind reads.
type Reader struct {
	source       Source
	decoder      Decoder
	drainTimeout time.Duration
	logger       *slog.Logger
}

// NewReader builds a Reader on top of source.
func NewReader(source Source, opts Options) *Reader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	return &Reader{source: source, decoder: opts.Decoder, drainTimeout: drain, logger: logger}
}

type state int

const (
	stateIdle state = iota
	stateCursorOpen
	stateDraining
	stateEmpty
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateCursorOpen:
		return "cursor_open"
	case stateDraining:
		return "draining"
	case stateEmpty:
		return "empty"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Window computes the effective count and per-partition rewind targets for a
// request of n messages. Partitions holding nothing are left out. A target
// before the first offset becomes broker.OffsetEarliest.
func Window(held map[int32]int64, n int) (int, map[int32]int64) {
	maxHeld := broker.OffsetNone
	for _, off := range held {
		if off > maxHeld {
			maxHeld = off
		}
	}
	if maxHeld < 0 || n <= 0 {
		return 0, nil
	}
	count := int64(n)
	if count > maxHeld+1 {
		count = maxHeld + 1
	}
	targets := make(map[int32]int64, len(held))
	for p, off := range held {
		if off < 0 {
			continue
		}
		target := off - count
		if target < 0 {
			target = broker.OffsetEarliest
		}
		targets[p] = target
	}
	return int(count), targets
}

// Last returns up to the last n messages of the named topic. An empty topic
// yields an empty, non-nil slice.
func (r *Reader) Last(ctx context.Context, name string, n int, proj Projection) ([]Entry, error) {
	records, err := r.last(ctx, name, n)
	if err != nil {
		metrics.RewindReads.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entry, err := r.project(ctx, rec, proj)
		if err != nil {
			metrics.RewindReads.WithLabelValues("decode_error").Inc()
			return nil, err
		}
		entries = append(entries, entry)
	}
	if len(records) == 0 {
		metrics.RewindReads.WithLabelValues("empty").Inc()
	} else {
		metrics.RewindReads.WithLabelValues("ok").Inc()
		metrics.RecordsRead.WithLabelValues(name).Add(float64(len(records)))
	}
	return entries, nil
}

// Records is Last without projection.
func (r *Reader) Records(ctx context.Context, name string, n int) ([]broker.Record, error) {
	return r.last(ctx, name, n)
}

func (r *Reader) last(ctx context.Context, name string, n int) ([]broker.Record, error) {
	log := r.logger.With("topic", name, "count", n)
	st := stateIdle
	move := func(next state) {
		log.Debug("rewind state", "from", st.String(), "to", next.String())
		st = next
	}

	topic, err := r.source.ResolveTopic(ctx, name)
	if err != nil {
		move(stateClosed)
		return nil, err
	}
	cur, err := r.source.OpenCursor(ctx, topic)
	if err != nil {
		move(stateClosed)
		return nil, err
	}
	move(stateCursorOpen)
	defer func() {
		cur.Close()
		move(stateClosed)
	}()

	held := cur.Held()
	count, targets := Window(held, n)
	if count == 0 {
		move(stateEmpty)
		return []broker.Record{}, nil
	}
	log.Debug("rewind window", "effective", count, "held", held, "targets", targets)

	dctx, cancel := context.WithTimeout(ctx, r.drainTimeout)
	defer cancel()
	for pass := 1; ; pass++ {
		if err := cur.Rewind(ctx, targets); err != nil {
			return nil, unavailable(err)
		}
		move(stateDraining)
		out, markers, err := r.drain(ctx, dctx, cur, held, targets, count)
		if err != nil {
			return nil, err
		}
		if len(out) >= count || markers == 0 || pass == maxRewindPasses {
			return out, nil
		}
		// Transaction markers took offsets inside the window; reach further
		// back by as many records.
		depth := int64(count + markers)
		widened := widen(held, depth)
		if sameTargets(widened, targets) {
			return out, nil
		}
		log.Debug("rewind widened", "markers", markers, "depth", depth, "targets", widened)
		targets = widened
	}
}

// widen computes rewind targets depth records behind each held offset.
func widen(held map[int32]int64, depth int64) map[int32]int64 {
	targets := make(map[int32]int64, len(held))
	for p, off := range held {
		if off < 0 {
			continue
		}
		target := off - depth
		if target < 0 {
			target = broker.OffsetEarliest
		}
		targets[p] = target
	}
	return targets
}

func sameTargets(a, b map[int32]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for p, off := range a {
		if b[p] != off {
			return false
		}
	}
	return true
}

// drain reads forward until every partition reaches its held offset or
// count records are collected. Markers end a partition like any record but
// are never collected; the number seen is returned.
func (r *Reader) drain(ctx, dctx context.Context, cur broker.Cursor, held, targets map[int32]int64, count int) ([]broker.Record, int, error) {
	pending := make(map[int32]struct{}, len(targets))
	for p := range targets {
		pending[p] = struct{}{}
	}
	out := make([]broker.Record, 0, count)
	markers := 0
	for len(out) < count && len(pending) > 0 {
		batch, err := cur.Poll(dctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, 0, fmt.Errorf("%w: drain timed out after %s with %d of %d records", broker.ErrUnavailable, r.drainTimeout, len(out), count)
			}
			return nil, 0, unavailable(err)
		}
		for _, rec := range batch {
			if _, ok := pending[rec.Partition]; !ok {
				continue
			}
			if rec.Offset > held[rec.Partition] {
				delete(pending, rec.Partition)
				continue
			}
			if rec.Offset == held[rec.Partition] {
				delete(pending, rec.Partition)
			}
			if rec.Control {
				markers++
				continue
			}
			if len(out) < count {
				out = append(out, rec)
			}
		}
	}
	return out, markers, nil
}

// LastOffset returns the held offset of the lowest numbered partition, or
// broker.OffsetNone when it holds nothing. It is a sample, not a total.
func (r *Reader) LastOffset(ctx context.Context, name string) (int64, error) {
	topic, err := r.source.ResolveTopic(ctx, name)
	if err != nil {
		return 0, err
	}
	cur, err := r.source.OpenCursor(ctx, topic)
	if err != nil {
		return 0, err
	}
	defer cur.Close()

	held := cur.Held()
	if len(held) == 0 {
		return broker.OffsetNone, nil
	}
	partitions := make([]int32, 0, len(held))
	for p := range held {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return held[partitions[0]], nil
}

func (r *Reader) project(ctx context.Context, rec broker.Record, proj Projection) (Entry, error) {
	entry := Entry{Timestamp: rec.Timestamp.UnixMilli()}
	if proj == Offsets {
		partition, offset := rec.Partition, rec.Offset
		entry.Partition = &partition
		entry.Offset = &offset
		return entry, nil
	}
	if r.decoder == nil {
		entry.Value = RawValue(rec.Value)
		return entry, nil
	}
	value, err := r.decoder.Decode(ctx, rec.Topic, rec.Value)
	if err != nil {
		return Entry{}, err
	}
	entry.Value = value
	return entry, nil
}

// RawValue returns data as embedded JSON when it is valid JSON, as a string
// when it is valid UTF-8, and as bytes otherwise.
func RawValue(data []byte) any {
	if json.Valid(data) {
		return json.RawMessage(append([]byte(nil), data...))
	}
	if utf8.Valid(data) {
		return string(data)
	}
	return append([]byte(nil), data...)
}

func unavailable(err error) error {
	if errors.Is(err, broker.ErrUnavailable) || errors.Is(err, broker.ErrTopicNotExisting) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, broker.ErrTopicNotExisting):
		return "not_found"
	case errors.Is(err, broker.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
