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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novatechflow/kafscale-portal/internal/metrics"
	"github.com/novatechflow/kafscale-portal/pkg/broker"
	"github.com/novatechflow/kafscale-portal/pkg/coord"
	"github.com/novatechflow/kafscale-portal/pkg/rewind"
	"github.com/novatechflow/kafscale-portal/pkg/schema"
	"github.com/novatechflow/kafscale-portal/pkg/storage"
	"github.com/novatechflow/kafscale-portal/pkg/topic"
)

const maxPublishBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// Broker is the cluster side used by the HTTP layer.
type Broker interface {
	ListTopics(ctx context.Context) ([]string, error)
	ResolveTopic(ctx context.Context, name string) (broker.TopicHandle, error)
	ConnectionHealth(ctx context.Context) (int, error)
	Publish(ctx context.Context, name string, value []byte) error
}

// Reader serves rewind reads.
type Reader interface {
	Last(ctx context.Context, name string, n int, proj rewind.Projection) ([]rewind.Entry, error)
	LastOffset(ctx context.Context, name string) (int64, error)
}

// Schemas loads and invalidates schemas.
type Schemas interface {
	Load(ctx context.Context, key schema.Key) (*schema.Schema, error)
	Invalidate(key schema.Key)
}

// Coordinator fans invalidations out to other instances and lists them.
type Coordinator interface {
	PublishInvalidation(ctx context.Context, inv coord.Invalidation) error
	Instances(ctx context.Context) ([]coord.Instance, error)
}

type ServerOptions struct {
	Broker  Broker
	Reader  Reader
	Schemas Schemas
	// Coordinator is optional; without it invalidations stay local.
	Coordinator Coordinator
	// Models lists model directories below ModelsPrefix.
	Models       storage.ObjectStore
	ModelsPrefix string
	// Health reports the object store state on /healthz.
	Health         *storage.HealthMonitor
	AllowedOrigins []string
	DefaultCount   int
	MaxCount       int
	InstanceID     string
	Logger         *slog.Logger
}

// StartServer launches the HTTP gateway on addr and shuts it down when ctx
// ends.
func StartServer(ctx context.Context, addr string, opts ServerOptions) error {
	mux, err := NewMux(opts)
	if err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway server error", "error", err)
		}
	}()
	return nil
}

// NewMux constructs the gateway HTTP handler with the supplied dependencies.
func NewMux(opts ServerOptions) (http.Handler, error) {
	if opts.Broker == nil || opts.Reader == nil || opts.Schemas == nil {
		return nil, errors.New("gateway requires broker, reader and schemas")
	}
	if opts.DefaultCount <= 0 {
		opts.DefaultCount = 10
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = 1000
	}
	if opts.ModelsPrefix == "" {
		opts.ModelsPrefix = "models/"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &handlers{opts: opts, logger: opts.Logger}

	mux := http.NewServeMux()
	route := func(pattern, name string, fn func(http.ResponseWriter, *http.Request) error) {
		mux.Handle(pattern, h.instrument(name, fn))
	}
	route("GET /{$}", "root", h.handleRoot)
	route("GET /healthz", "healthz", h.handleHealth)
	route("GET /connected", "connected", h.handleConnected)
	route("GET /topics", "topics", h.handleTopics)
	route("GET /topics/{topic}/messages", "messages", h.handleMessages(rewind.Values))
	route("GET /topics/{topic}/offsets", "offsets", h.handleMessages(rewind.Offsets))
	route("GET /topics/{topic}/offset", "offset", h.handleOffset)
	route("POST /topics/{topic}/messages", "publish", h.handlePublish)
	route("GET /schemas/{descriptor}", "schema", h.handleSchema)
	route("POST /schemas/{descriptor}/invalidate", "invalidate", h.handleInvalidate)
	route("GET /models", "models", h.handleModels)
	route("GET /gateways", "gateways", h.handleGateways)
	mux.Handle("GET /metrics", promhttp.Handler())

	return withCORS(mux, opts.AllowedOrigins), nil
}

type handlers struct {
	opts   ServerOptions
	logger *slog.Logger
}

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func (h *handlers) handleRoot(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, envelope{Data: map[string]string{
		"service":  "kafscale-portal",
		"instance": h.opts.InstanceID,
	}})
	return nil
}

func (h *handlers) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	data := map[string]any{"status": "ok"}
	if h.opts.Health != nil {
		data["schema_store"] = h.opts.Health.Snapshot()
	}
	writeJSON(w, http.StatusOK, envelope{Data: data})
	return nil
}

func (h *handlers) handleConnected(w http.ResponseWriter, r *http.Request) error {
	n, err := h.opts.Broker.ConnectionHealth(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, envelope{Data: map[string]any{"connected": n > 0, "brokers": n}})
	return nil
}

type topicView struct {
	Topic string `json:"topic"`
	topic.Name
}

func (h *handlers) handleTopics(w http.ResponseWriter, r *http.Request) error {
	var (
		direction topic.Direction
		format    topic.Format
		err       error
	)
	if v := r.URL.Query().Get("direction"); v != "" {
		if direction, err = topic.ParseDirection(v); err != nil {
			return err
		}
	}
	if v := r.URL.Query().Get("format"); v != "" {
		if format, err = topic.ParseFormat(v); err != nil {
			return err
		}
	}
	names, err := h.opts.Broker.ListTopics(r.Context())
	if err != nil {
		return err
	}
	classified := topic.Filter(names, direction, format)
	out := make([]topicView, 0, len(classified))
	for _, n := range classified {
		out = append(out, topicView{Topic: n.String(), Name: n})
	}
	writeJSON(w, http.StatusOK, envelope{Data: out})
	return nil
}

func (h *handlers) handleMessages(proj rewind.Projection) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		name := r.PathValue("topic")
		if _, err := topic.Classify(name); err != nil {
			return err
		}
		count, err := h.count(r)
		if err != nil {
			return err
		}
		entries, err := h.opts.Reader.Last(r.Context(), name, count, proj)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, envelope{Data: entries})
		return nil
	}
}

func (h *handlers) count(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("count"))
	if raw == "" {
		return h.opts.DefaultCount, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: count must be a positive integer", errBadRequest)
	}
	if n > h.opts.MaxCount {
		n = h.opts.MaxCount
	}
	return n, nil
}

func (h *handlers) handleOffset(w http.ResponseWriter, r *http.Request) error {
	name := r.PathValue("topic")
	if _, err := topic.Classify(name); err != nil {
		return err
	}
	offset, err := h.opts.Reader.LastOffset(r.Context(), name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, envelope{Data: map[string]any{"topic": name, "offset": offset}})
	return nil
}

func (h *handlers) handlePublish(w http.ResponseWriter, r *http.Request) error {
	name := r.PathValue("topic")
	n, err := topic.Classify(name)
	if err != nil {
		return err
	}
	// The topic must exist before its schema is consulted.
	if _, err := h.opts.Broker.ResolveTopic(r.Context(), name); err != nil {
		return err
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not valid JSON", errBadRequest)
	}
	payload, encoding, err := encodePayload(r.Context(), h.opts.Schemas, n, body)
	if err != nil {
		return err
	}
	if err := h.opts.Broker.Publish(r.Context(), name, payload); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, envelope{Data: map[string]any{
		"topic":    name,
		"bytes":    len(payload),
		"encoding": encoding,
	}})
	return nil
}

type schemaView struct {
	Key        string          `json:"key"`
	Object     string          `json:"object"`
	Name       string          `json:"name"`
	Fields     []schema.Field  `json:"fields"`
	Definition json.RawMessage `json:"definition"`
}

func (h *handlers) handleSchema(w http.ResponseWriter, r *http.Request) error {
	key, err := schema.Resolve(r.PathValue("descriptor"))
	if err != nil {
		return err
	}
	sch, err := h.opts.Schemas.Load(r.Context(), key)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, envelope{Data: schemaView{
		Key:        key.String(),
		Object:     key.ObjectKey(),
		Name:       sch.Name(),
		Fields:     sch.Fields(),
		Definition: json.RawMessage(sch.Definition()),
	}})
	return nil
}

func (h *handlers) handleInvalidate(w http.ResponseWriter, r *http.Request) error {
	descriptor := r.PathValue("descriptor")
	key, err := schema.Resolve(descriptor)
	if err != nil {
		return err
	}
	h.opts.Schemas.Invalidate(key)
	broadcast := false
	if h.opts.Coordinator != nil {
		inv := coord.Invalidation{Descriptor: descriptor, Origin: h.opts.InstanceID}
		if err := h.opts.Coordinator.PublishInvalidation(r.Context(), inv); err != nil {
			return err
		}
		broadcast = true
	}
	writeJSON(w, http.StatusAccepted, envelope{Data: map[string]any{
		"key":       key.String(),
		"broadcast": broadcast,
	}})
	return nil
}

func (h *handlers) handleModels(w http.ResponseWriter, r *http.Request) error {
	if h.opts.Models == nil {
		writeJSON(w, http.StatusOK, envelope{Data: []Model{}})
		return nil
	}
	dirs, err := h.opts.Models.ListDirs(r.Context(), h.opts.ModelsPrefix)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, envelope{Data: Models(dirs)})
	return nil
}

func (h *handlers) handleGateways(w http.ResponseWriter, r *http.Request) error {
	if h.opts.Coordinator == nil {
		writeJSON(w, http.StatusOK, envelope{Data: []coord.Instance{}})
		return nil
	}
	instances, err := h.opts.Coordinator.Instances(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, envelope{Data: instances})
	return nil
}

func (h *handlers) instrument(route string, fn func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if err := fn(rec, r); err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				h.logger.Warn("request failed", "route", route, "status", status, "error", err)
			} else {
				h.logger.Debug("request rejected", "route", route, "status", status, "error", err)
			}
			writeJSON(rec, status, envelope{Error: err.Error()})
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, topic.ErrMalformedName),
		errors.Is(err, topic.ErrInvalidFormat),
		errors.Is(err, schema.ErrEncodingMismatch),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrTopicNotExisting),
		errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withCORS(next http.Handler, allowed []string) http.Handler {
	wildcard := false
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		origins[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := origins[origin]; ok || wildcard {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
