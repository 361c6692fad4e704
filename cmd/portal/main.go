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

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/novatechflow/kafscale-portal/internal/config"
	"github.com/novatechflow/kafscale-portal/internal/gateway"
	"github.com/novatechflow/kafscale-portal/pkg/broker"
	"github.com/novatechflow/kafscale-portal/pkg/coord"
	"github.com/novatechflow/kafscale-portal/pkg/rewind"
	"github.com/novatechflow/kafscale-portal/pkg/schema"
	"github.com/novatechflow/kafscale-portal/pkg/storage"
)

const defaultConfigPath = "config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	base := newLogger()
	logger := base.With("component", "portal")
	cfg, err := config.Load(envOrDefault("KAFSCALE_PORTAL_CONFIG", defaultConfigPath))
	if err != nil {
		if errors.Is(err, config.ErrMissing) {
			logger.Error("configuration incomplete", "error", err)
		} else {
			logger.Error("load configuration", "error", err)
		}
		os.Exit(1)
	}

	monitor := storage.NewHealthMonitor(storage.HealthConfig{})
	objects, err := buildObjectStore(ctx, cfg, monitor, logger)
	if err != nil {
		logger.Error("object store setup failed", "error", err)
		os.Exit(1)
	}
	schemas := schema.NewStore(objects, schema.StoreOptions{
		CacheTTL:     cfg.Schema.CacheTTL(),
		FetchTimeout: cfg.Schema.FetchTimeout(),
		Logger:       base.With("component", "schemas"),
	})

	facade := broker.NewFacade(broker.NewKafkaDialer(broker.KafkaConfig{
		SeedBrokers: cfg.Kafka.BootstrapServers,
		ClientID:    cfg.Kafka.ClientID,
		ReaderID:    cfg.Kafka.ReaderID,
		Logger:      base.With("component", "kafka"),
	}), broker.Options{
		TTL:          cfg.Kafka.ConnectionTTL(),
		DialTimeout:  cfg.Kafka.DialTimeout(),
		ProducerPool: cfg.Kafka.ProducerPoolSize,
		Logger:       base.With("component", "facade"),
	})
	defer facade.Close()

	reader := rewind.NewReader(facade, rewind.Options{
		DrainTimeout: cfg.Kafka.DrainTimeout(),
		Decoder:      gateway.SchemaDecoder(schemas),
		Logger:       base.With("component", "rewind"),
	})

	coordinator, err := coord.New(coord.Config{
		Endpoints:       cfg.Etcd.Endpoints,
		Username:        cfg.Etcd.Username,
		Password:        cfg.Etcd.Password,
		KeyPrefix:       cfg.Etcd.KeyPrefix,
		LeaseTTLSeconds: cfg.Etcd.LeaseTTLSeconds,
		Logger:          base.With("component", "coord"),
	})
	if err != nil {
		logger.Error("etcd setup failed", "error", err)
		os.Exit(1)
	}
	defer coordinator.Close()
	coordinator.WatchInvalidations(invalidationHandler(schemas, cfg.Instance.ID, logger))
	if err := coordinator.Register(ctx, coord.Instance{
		ID:        cfg.Instance.ID,
		Address:   advertiseAddr(cfg),
		StartedAt: time.Now().UnixMilli(),
	}); err != nil {
		logger.Warn("gateway registration failed", "error", err)
	}

	if err := gateway.StartServer(ctx, cfg.HTTP.Addr, gateway.ServerOptions{
		Broker:         facade,
		Reader:         reader,
		Schemas:        schemas,
		Coordinator:    coordinator,
		Models:         objects,
		ModelsPrefix:   cfg.Models.Prefix,
		Health:         monitor,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		DefaultCount:   cfg.HTTP.DefaultCount,
		MaxCount:       cfg.HTTP.MaxCount,
		InstanceID:     cfg.Instance.ID,
		Logger:         base.With("component", "gateway"),
	}); err != nil {
		logger.Error("gateway setup failed", "error", err)
		os.Exit(1)
	}
	<-ctx.Done()
	logger.Info("shutting down")
}

func buildObjectStore(ctx context.Context, cfg config.Config, monitor *storage.HealthMonitor, logger *slog.Logger) (storage.ObjectStore, error) {
	var (
		store storage.ObjectStore
		err   error
	)
	switch cfg.Schema.Source {
	case config.SchemaSourceDir:
		store = storage.NewDirStore(cfg.Schema.Dir)
	default:
		store, err = storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			ForcePathStyle:  cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
	}
	store = storage.Monitored(store, monitor)
	checkCtx, cancel := context.WithTimeout(ctx, cfg.Schema.FetchTimeout())
	defer cancel()
	if err := store.CheckBucket(checkCtx); err != nil {
		logger.Warn("schema store not reachable at startup", "source", cfg.Schema.Source, "error", err)
	}
	return store, nil
}

// invalidationHandler applies invalidations issued by other instances. The
// issuing instance has already dropped its own entry.
func invalidationHandler(schemas *schema.Store, self string, logger *slog.Logger) func(coord.Invalidation) {
	return func(inv coord.Invalidation) {
		if inv.Origin != "" && inv.Origin == self {
			return
		}
		if inv.Descriptor == "" {
			logger.Debug("applying invalidation", "scope", "all", "origin", inv.Origin)
			schemas.InvalidateAll()
			return
		}
		key, err := schema.Resolve(inv.Descriptor)
		if err != nil {
			logger.Warn("ignoring invalidation", "descriptor", inv.Descriptor, "error", err)
			return
		}
		logger.Debug("applying invalidation", "scope", key.String(), "origin", inv.Origin)
		schemas.Invalidate(key)
	}
}

func advertiseAddr(cfg config.Config) string {
	if cfg.Instance.Advertise != "" {
		return cfg.Instance.Advertise
	}
	addr := cfg.HTTP.Addr
	if strings.HasPrefix(addr, ":") {
		if host, err := os.Hostname(); err == nil {
			return host + addr
		}
	}
	return addr
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("KAFSCALE_PORTAL_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(handler)
}
