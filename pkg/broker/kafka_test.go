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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestHeldOffset(t *testing.T) {
	cases := []struct {
		name       string
		start, hwm int64
		want       int64
	}{
		{"never written", 0, 0, OffsetNone},
		{"one record", 0, 1, 0},
		{"ten records", 0, 10, 9},
		{"trimmed tail", 4, 10, 9},
		{"fully trimmed", 10, 10, OffsetNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := heldOffset(tc.start, tc.hwm); got != tc.want {
				t.Fatalf("heldOffset(%d, %d) = %d, want %d", tc.start, tc.hwm, got, tc.want)
			}
		})
	}
}

func TestKafkaErrorMapping(t *testing.T) {
	if err := kafkaError(0); err != nil {
		t.Fatalf("code 0: %v", err)
	}
	err := kafkaError(kerr.UnknownTopicOrPartition.Code)
	if !errors.Is(err, ErrTopicNotExisting) {
		t.Fatalf("unknown topic: got %v", err)
	}
	err = kafkaError(kerr.NotLeaderForPartition.Code)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("not leader: got %v", err)
	}
}

func TestClassifyKeepsSentinels(t *testing.T) {
	if err := classify(context.Canceled); !errors.Is(err, context.Canceled) || errors.Is(err, ErrUnavailable) {
		t.Fatalf("cancel: %v", err)
	}
	if err := classify(ErrTopicNotExisting); !errors.Is(err, ErrTopicNotExisting) {
		t.Fatalf("not existing: %v", err)
	}
	if err := classify(errors.New("boom")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("generic: %v", err)
	}
}

func TestSlogAdapterLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	adapter := newSlogAdapter(logger)
	if adapter.Level() != kgo.LogLevelWarn {
		t.Fatalf("level = %v, want warn", adapter.Level())
	}
	adapter.Log(kgo.LogLevelInfo, "dropped", "broker", 1)
	adapter.Log(kgo.LogLevelError, "kept", "broker", 2)
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line leaked at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"kept"`) || !strings.Contains(out, `"broker":2`) {
		t.Fatalf("error line missing: %s", out)
	}

	debug := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if got := kgoLevel(debug); got != kgo.LogLevelDebug {
		t.Fatalf("debug logger maps to %v", got)
	}
}

func TestKafkaDialerRequiresSeeds(t *testing.T) {
	dial := NewKafkaDialer(KafkaConfig{})
	if _, err := dial(context.Background()); err == nil {
		t.Fatal("expected error without seed brokers")
	}
}
