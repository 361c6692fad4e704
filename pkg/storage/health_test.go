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
	"testing"
	"time"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func newTestMonitor(cfg HealthConfig) (*HealthMonitor, *stepClock) {
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewHealthMonitor(cfg)
	m.now = clock.now
	m.since = clock.t
	return m, clock
}

func TestHealthPerOperation(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name   string
		record func(m *HealthMonitor)
		want   map[Op]HealthState
		state  HealthState
	}{
		{
			name:   "no traffic",
			record: func(m *HealthMonitor) {},
			want:   map[Op]HealthState{OpGet: StateHealthy, OpList: StateHealthy, OpCheck: StateHealthy},
			state:  StateHealthy,
		},
		{
			name: "single failure degrades",
			record: func(m *HealthMonitor) {
				m.Record(OpList, time.Millisecond, boom)
			},
			want:  map[Op]HealthState{OpGet: StateHealthy, OpList: StateDegraded, OpCheck: StateHealthy},
			state: StateDegraded,
		},
		{
			name: "failure streak on one operation",
			record: func(m *HealthMonitor) {
				for i := 0; i < 10; i++ {
					m.Record(OpGet, time.Millisecond, nil)
				}
				for i := 0; i < 3; i++ {
					m.Record(OpCheck, time.Millisecond, boom)
				}
			},
			want:  map[Op]HealthState{OpGet: StateHealthy, OpList: StateHealthy, OpCheck: StateUnavailable},
			state: StateUnavailable,
		},
		{
			name: "slow gets degrade",
			record: func(m *HealthMonitor) {
				for i := 0; i < 4; i++ {
					m.Record(OpGet, 2*time.Second, nil)
				}
			},
			want:  map[Op]HealthState{OpGet: StateDegraded, OpList: StateHealthy, OpCheck: StateHealthy},
			state: StateDegraded,
		},
		{
			name: "streak broken by success",
			record: func(m *HealthMonitor) {
				m.Record(OpGet, time.Millisecond, boom)
				m.Record(OpGet, time.Millisecond, boom)
				for i := 0; i < 10; i++ {
					m.Record(OpGet, time.Millisecond, nil)
				}
			},
			want:  map[Op]HealthState{OpGet: StateHealthy, OpList: StateHealthy, OpCheck: StateHealthy},
			state: StateHealthy,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestMonitor(HealthConfig{})
			tc.record(m)
			if got := m.State(); got != tc.state {
				t.Fatalf("state = %s, want %s", got, tc.state)
			}
			snap := m.Snapshot()
			for op, want := range tc.want {
				if got := snap.Operations[op].State; got != want {
					t.Fatalf("%s state = %s, want %s", op, got, want)
				}
			}
		})
	}
}

func TestHealthWindowExpiry(t *testing.T) {
	m, clock := newTestMonitor(HealthConfig{Window: time.Minute})
	boom := errors.New("bucket unreachable")
	for i := 0; i < 3; i++ {
		m.Record(OpCheck, 5*time.Millisecond, boom)
	}
	failedAt := clock.t
	if got := m.State(); got != StateUnavailable {
		t.Fatalf("expected unavailable, got %s", got)
	}
	snap := m.Snapshot()
	check := snap.Operations[OpCheck]
	if check.Requests != 3 || check.Failures != 3 || check.LastError != "bucket unreachable" {
		t.Fatalf("unexpected check stats %+v", check)
	}
	if check.LastFailure == nil || !check.LastFailure.Equal(failedAt) {
		t.Fatalf("last failure = %v", check.LastFailure)
	}
	if !snap.Since.Equal(failedAt) {
		t.Fatalf("since = %v, want %v", snap.Since, failedAt)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	if got := m.State(); got != StateHealthy {
		t.Fatalf("expected recovery once outcomes age out, got %s", got)
	}
	snap = m.Snapshot()
	if snap.Operations[OpCheck].Requests != 0 || !snap.Since.Equal(clock.t) {
		t.Fatalf("unexpected snapshot after expiry %+v", snap)
	}
	// The last error stays visible after recovery.
	if snap.Operations[OpCheck].LastError == "" {
		t.Fatalf("last error dropped")
	}
}

func TestMonitoredStoreIgnoresMissingObjects(t *testing.T) {
	monitor := NewHealthMonitor(HealthConfig{})
	mem := NewMemoryStore()
	store := Monitored(mem, monitor)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.GetObject(ctx, "out/missing.json"); !errors.Is(err, ErrObjectNotFound) {
			t.Fatalf("expected ErrObjectNotFound, got %v", err)
		}
	}
	if got := monitor.State(); got != StateHealthy {
		t.Fatalf("missing objects degraded the store: %s", got)
	}

	failing := Monitored(&fakeS3Store{err: errors.New("unreachable")}, monitor)
	for i := 0; i < 10; i++ {
		_ = failing.CheckBucket(ctx)
	}
	if got := monitor.State(); got != StateUnavailable {
		t.Fatalf("expected unavailable, got %s", got)
	}
	snap := monitor.Snapshot()
	if get := snap.Operations[OpGet]; get.Requests != 5 || get.Failures != 0 || get.State != StateHealthy {
		t.Fatalf("unexpected get stats %+v", get)
	}
	if check := snap.Operations[OpCheck]; check.Failures != 10 || check.State != StateUnavailable {
		t.Fatalf("unexpected check stats %+v", check)
	}
}

type fakeS3Store struct {
	err error
}

func (f *fakeS3Store) GetObject(context.Context, string) ([]byte, error) { return nil, f.err }
func (f *fakeS3Store) ListDirs(context.Context, string) ([]string, error) { return nil, f.err }
func (f *fakeS3Store) CheckBucket(context.Context) error { return f.err }
