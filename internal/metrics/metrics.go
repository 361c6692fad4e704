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

package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "kafscale_portal"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		},
		[]string{"route", "code"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	RewindReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewind_reads_total",
			Help:      "Last-N reads by outcome.",
		},
		[]string{"outcome"},
	)
	RecordsRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_read_total",
			Help:      "Records returned by last-N reads per topic.",
		},
		[]string{"topic"},
	)
	ProduceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "produce_total",
			Help:      "Publish attempts by topic and result.",
		},
		[]string{"topic", "result"},
	)
	BrokerDials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_dials_total",
			Help:      "Broker connection handle creations by result.",
		},
		[]string{"result"},
	)
	SchemaLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_loads_total",
			Help:      "Schema fetches from the object store by result.",
		},
		[]string{"result"},
	)
	SchemaCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_cache_hits_total",
			Help:      "Schema loads served from cache.",
		},
	)
	SchemaInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_invalidations_total",
			Help:      "Schema invalidation signals received from the coordination service.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequests,
		HTTPLatency,
		RewindReads,
		RecordsRead,
		ProduceTotal,
		BrokerDials,
		SchemaLoads,
		SchemaCacheHits,
		SchemaInvalidations,
	)
}
