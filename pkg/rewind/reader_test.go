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

package rewind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/novatechflow/kafscale-portal/pkg/broker"
	"github.com/novatechflow/kafscale-portal/pkg/broker/brokertest"
)

func newReader(t *testing.T, cluster *brokertest.Cluster, opts Options) *Reader {
	t.Helper()
	f := broker.NewFacade(cluster.Dial, broker.Options{})
	t.Cleanup(f.Close)
	return NewReader(f, opts)
}

func TestWindow(t *testing.T) {
	cases := []struct {
		name      string
		held      map[int32]int64
		n         int
		wantCount int
		want      map[int32]int64
	}{
		{
			name:      "request exceeds longest partition",
			held:      map[int32]int64{0: 9, 1: 4},
			n:         20,
			wantCount: 10,
			want:      map[int32]int64{0: broker.OffsetEarliest, 1: broker.OffsetEarliest},
		},
		{
			name:      "window inside both partitions",
			held:      map[int32]int64{0: 9, 1: 7},
			n:         3,
			wantCount: 3,
			want:      map[int32]int64{0: 6, 1: 4},
		},
		{
			name:      "exact length rewinds to earliest not zero",
			held:      map[int32]int64{0: 4},
			n:         5,
			wantCount: 5,
			want:      map[int32]int64{0: broker.OffsetEarliest},
		},
		{
			name:      "empty partitions are skipped",
			held:      map[int32]int64{0: broker.OffsetNone, 1: 2},
			n:         2,
			wantCount: 2,
			want:      map[int32]int64{1: 0},
		},
		{
			name:      "no data",
			held:      map[int32]int64{0: broker.OffsetNone, 1: broker.OffsetNone},
			n:         5,
			wantCount: 0,
		},
		{
			name:      "zero requested",
			held:      map[int32]int64{0: 3},
			n:         0,
			wantCount: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			count, targets := Window(tc.held, tc.n)
			if count != tc.wantCount {
				t.Fatalf("count = %d, want %d", count, tc.wantCount)
			}
			if tc.want == nil {
				if len(targets) != 0 {
					t.Fatalf("targets = %v, want none", targets)
				}
				return
			}
			if !reflect.DeepEqual(targets, tc.want) {
				t.Fatalf("targets = %v, want %v", targets, tc.want)
			}
		})
	}
}

func TestLastSpillsAcrossPartitionsAndCaps(t *testing.T) {
	cluster := brokertest.New(1)
	cluster.CreateTopic("out-orders", 2)
	mustFill(t, cluster, "out-orders", 0, 10)
	mustFill(t, cluster, "out-orders", 1, 5)
	r := newReader(t, cluster, Options{})

	records, err := r.Records(context.Background(), "out-orders", 20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("records = %d, want 10", len(records))
	}
	seen := make(map[string]bool)
	for _, rec := range records {
		key := fmt.Sprintf("%d/%d", rec.Partition, rec.Offset)
		if seen[key] {
			t.Fatalf("duplicate record %s", key)
		}
		seen[key] = true
	}
	if !seen["0/0"] || !seen["1/0"] {
		t.Fatalf("earliest records missing: %v", seen)
	}
	if got := cluster.OpenCursors(); got != 0 {
		t.Fatalf("cursor leaked: %d open", got)
	}
}

func TestLastReturnsNewestRecords(t *testing.T) {
	cluster := brokertest.New(1)
	cluster.CreateTopic("out-orders", 1)
	mustFill(t, cluster, "out-orders", 0, 10)
	r := newReader(t, cluster, Options{})

	records, err := r.Records(context.Background(), "out-orders", 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var offsets []int64
	for _, rec := range records {
		offsets = append(offsets, rec.Offset)
	}
	if want := []int64{7, 8, 9}; !reflect.DeepEqual(offsets, want) {
		t.Fatalf("offsets = %v, want %v", offsets, want)
	}
}

func TestLastSkipsTransactionMarkers(t *testing.T) {
	cases := []struct {
		name  string
		build func(c *brokertest.Cluster) error
		n     int
		want  []int64
	}{
		{
			// A committed transaction leaves its marker at the held offset.
			name: "marker at held offset",
			build: func(c *brokertest.Cluster) error {
				if err := c.Fill("out-orders", 0, 3); err != nil {
					return err
				}
				_, err := c.AppendMarker("out-orders", 0)
				return err
			},
			n:    3,
			want: []int64{0, 1, 2},
		},
		{
			name: "count above records",
			build: func(c *brokertest.Cluster) error {
				if err := c.Fill("out-orders", 0, 3); err != nil {
					return err
				}
				_, err := c.AppendMarker("out-orders", 0)
				return err
			},
			n:    10,
			want: []int64{0, 1, 2},
		},
		{
			name: "markers inside window",
			build: func(c *brokertest.Cluster) error {
				for i := 0; i < 2; i++ {
					if err := c.Fill("out-orders", 0, 3); err != nil {
						return err
					}
					if _, err := c.AppendMarker("out-orders", 0); err != nil {
						return err
					}
				}
				return nil
			},
			// offsets 0-2 records, 3 marker, 4-6 records, 7 marker
			n:    4,
			want: []int64{2, 4, 5, 6},
		},
		{
			name: "only markers",
			build: func(c *brokertest.Cluster) error {
				for i := 0; i < 2; i++ {
					if _, err := c.AppendMarker("out-orders", 0); err != nil {
						return err
					}
				}
				return nil
			},
			n:    5,
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cluster := brokertest.New(1)
			cluster.CreateTopic("out-orders", 1)
			if err := tc.build(cluster); err != nil {
				t.Fatalf("build: %v", err)
			}
			r := newReader(t, cluster, Options{DrainTimeout: 2 * time.Second})

			start := time.Now()
			records, err := r.Records(context.Background(), "out-orders", tc.n)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Fatalf("read waited on drain timeout: %s", elapsed)
			}
			var offsets []int64
			for _, rec := range records {
				if rec.Control {
					t.Fatalf("marker at offset %d returned", rec.Offset)
				}
				offsets = append(offsets, rec.Offset)
			}
			if !reflect.DeepEqual(offsets, tc.want) {
				t.Fatalf("offsets = %v, want %v", offsets, tc.want)
			}
		})
	}
}

func TestLastAfterRetentionStartsAtEarliest(t *testing.T) {
	cluster := brokertest.New(1)
	cluster.CreateTopic("out-orders", 1)
	mustFill(t, cluster, "out-orders", 0, 10)
	if err := cluster.Trim("out-orders", 0, 6); err != nil {
		t.Fatalf("trim: %v", err)
	}
	r := newReader(t, cluster, Options{})

	records, err := r.Records(context.Background(), "out-orders", 8)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var offsets []int64
	for _, rec := range records {
		offsets = append(offsets, rec.Offset)
	}
	if want := []int64{6, 7, 8, 9}; !reflect.DeepEqual(offsets, want) {
		t.Fatalf("offsets = %v, want %v", offsets, want)
	}
}

func TestLastEmptyTopic(t *testing.T) {
	cluster := brokertest.New(1)
	cluster.CreateTopic("out-empty", 3)
	r := newReader(t, cluster, Options{})

	entries, err := r.Last(context.Background(), "out-empty", 5, Values)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", entries)
	}
	if got := cluster.OpenCursors(); got != 0 {
		t.Fatalf("cursor leaked: %d open", got)
	}
}

func TestLastMissingTopicOpensNoCursor(t *testing.T) {
	cluster := brokertest.New(1)
	r := newReader(t, cluster, Options{})

	_, err := r.Last(context.Background(), "out-missing", 5, Values)
	if !errors.Is(err, broker.ErrTopicNotExisting) {
		t.Fatalf("expected ErrTopicNotExisting, got %v", err)
	}
	if got := cluster.OpenCursors(); got != 0 {
		t.Fatalf("open cursors = %d", got)
	}
}

func TestLastFailsWholeReadOnConnectionLoss(t *testing.T) {
	cluster := brokertest.New(1)
	cluster.CreateTopic("out-orders", 1)
	mustFill(t, cluster, "out-orders", 0, 10)
	cluster.SetPollBatch(2)
	cluster.FailPollsAfter(1)
	r := newReader(t, cluster, Options{})

	entries, err := r.Last(context.Background(), "out-orders", 10, Values)
	if !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if entries != nil {
		t.Fatalf("partial result returned: %v", entries)
	}
	if got := cluster.OpenCursors(); got != 0 {
		t.Fatalf("cursor leaked: %d open", got)
	}
}

func TestLastDrainTimeout(t *testing.T) {
	cluster := brokertest.New(1)
	cluster.CreateTopic("out-orders", 1)
	mustFill(t, cluster, "out-orders", 0, 5)
	r := newReader(t, cluster, Options{DrainTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	topic, err := r.source.ResolveTopic(ctx, "out-orders")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cur, err := r.source.OpenCursor(ctx, topic)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cur.Close()
	held := cur.Held()
	count, targets := Window(held, 5)
	// Retention removes everything the window would have read.
	if err := cluster.Trim("out-orders", 0, 5); err != nil {
		t.Fatalf("trim: %v", err)
	}
	if err := cur.Rewind(ctx, targets); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, r.drainTimeout)
	defer cancel()
	_, _, err = r.drain(ctx, dctx, cur, held, targets, count)
	if !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("drain ignored timeout: %s", elapsed)
	}
}

func TestLastHonorsCancellation(t *testing.T) {
	cluster := brokertest.New(1)
	cluster.CreateTopic("out-orders", 1)
	r := newReader(t, cluster, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Last(ctx, "out-orders", 5, Values); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLastProjections(t *testing.T) {
	cluster := brokertest.New(1)
	cluster.CreateTopic("out-orders", 1)
	if _, err := cluster.Append("out-orders", 0, `{"id":1}`, "plain text"); err != nil {
		t.Fatalf("append: %v", err)
	}
	r := newReader(t, cluster, Options{})
	ctx := context.Background()

	values, err := r.Last(ctx, "out-orders", 2, Values)
	if err != nil {
		t.Fatalf("values: %v", err)
	}
	body, err := json.Marshal(values)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("entries = %d", len(decoded))
	}
	if obj, ok := decoded[0]["value"].(map[string]any); !ok || obj["id"] != float64(1) {
		t.Fatalf("json payload not embedded: %v", decoded[0])
	}
	if decoded[1]["value"] != "plain text" {
		t.Fatalf("text payload = %v", decoded[1]["value"])
	}
	if _, ok := decoded[0]["offset"]; ok {
		t.Fatalf("value projection leaked offset: %v", decoded[0])
	}

	offsets, err := r.Last(ctx, "out-orders", 2, Offsets)
	if err != nil {
		t.Fatalf("offsets: %v", err)
	}
	if offsets[1].Offset == nil || *offsets[1].Offset != 1 || offsets[1].Value != nil {
		t.Fatalf("offset projection = %+v", offsets[1])
	}
}

func TestLastUsesDecoder(t *testing.T) {
	cluster := brokertest.New(1)
	cluster.CreateTopic("out-orders", 1)
	if _, err := cluster.Append("out-orders", 0, "abc"); err != nil {
		t.Fatalf("append: %v", err)
	}
	decodeErr := errors.New("bad payload")
	calls := 0
	r := newReader(t, cluster, Options{Decoder: DecoderFunc(func(_ context.Context, topic string, value []byte) (any, error) {
		calls++
		if topic != "out-orders" {
			t.Errorf("decoder topic = %q", topic)
		}
		if calls > 1 {
			return nil, decodeErr
		}
		return len(value), nil
	})})

	entries, err := r.Last(context.Background(), "out-orders", 1, Values)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if entries[0].Value != 3 {
		t.Fatalf("decoded value = %v", entries[0].Value)
	}
	if _, err := r.Last(context.Background(), "out-orders", 1, Values); !errors.Is(err, decodeErr) {
		t.Fatalf("expected decoder error, got %v", err)
	}
}

func TestLastOffset(t *testing.T) {
	cluster := brokertest.New(1)
	cluster.CreateTopic("out-orders", 2)
	cluster.CreateTopic("out-empty", 1)
	mustFill(t, cluster, "out-orders", 0, 4)
	mustFill(t, cluster, "out-orders", 1, 9)
	r := newReader(t, cluster, Options{})
	ctx := context.Background()

	off, err := r.LastOffset(ctx, "out-orders")
	if err != nil {
		t.Fatalf("last offset: %v", err)
	}
	if off != 3 {
		t.Fatalf("offset = %d, want 3 (partition 0 sample)", off)
	}
	off, err = r.LastOffset(ctx, "out-empty")
	if err != nil {
		t.Fatalf("last offset empty: %v", err)
	}
	if off != broker.OffsetNone {
		t.Fatalf("empty offset = %d", off)
	}
	if _, err := r.LastOffset(ctx, "out-missing"); !errors.Is(err, broker.ErrTopicNotExisting) {
		t.Fatalf("expected ErrTopicNotExisting, got %v", err)
	}
	if got := cluster.OpenCursors(); got != 0 {
		t.Fatalf("cursor leaked: %d open", got)
	}
}

func TestRawValue(t *testing.T) {
	if v, ok := RawValue([]byte(`[1,2]`)).(json.RawMessage); !ok || string(v) != "[1,2]" {
		t.Fatalf("json: %#v", RawValue([]byte(`[1,2]`)))
	}
	if v := RawValue([]byte("hello")); v != "hello" {
		t.Fatalf("text: %#v", v)
	}
	if _, ok := RawValue([]byte{0xff, 0xfe}).([]byte); !ok {
		t.Fatal("binary payload should stay bytes")
	}
}

func mustFill(t *testing.T, cluster *brokertest.Cluster, topic string, partition int32, n int) {
	t.Helper()
	if err := cluster.Fill(topic, partition, n); err != nil {
		t.Fatalf("fill %s/%d: %v", topic, partition, err)
	}
}
