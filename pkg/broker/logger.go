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
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// slogAdapter routes franz-go client logs into slog.
type slogAdapter struct {
	logger *slog.Logger
	level  kgo.LogLevel
}

func newSlogAdapter(logger *slog.Logger) kgo.Logger {
	return &slogAdapter{logger: logger, level: kgoLevel(logger)}
}

// kgoLevel picks the most verbose franz-go level the slog handler would emit.
func kgoLevel(logger *slog.Logger) kgo.LogLevel {
	ctx := context.Background()
	switch {
	case logger.Enabled(ctx, slog.LevelDebug):
		return kgo.LogLevelDebug
	case logger.Enabled(ctx, slog.LevelInfo):
		return kgo.LogLevelInfo
	case logger.Enabled(ctx, slog.LevelWarn):
		return kgo.LogLevelWarn
	case logger.Enabled(ctx, slog.LevelError):
		return kgo.LogLevelError
	default:
		return kgo.LogLevelNone
	}
}

func (a *slogAdapter) Level() kgo.LogLevel { return a.level }

func (a *slogAdapter) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	a.logger.Log(context.Background(), slogLevel(level), msg, keyvals...)
}

func slogLevel(level kgo.LogLevel) slog.Level {
	switch level {
	case kgo.LogLevelError:
		return slog.LevelError
	case kgo.LogLevelWarn:
		return slog.LevelWarn
	case kgo.LogLevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
