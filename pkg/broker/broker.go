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

// Package broker owns the portal's connection to the Kafka cluster: topic
// directory, producers, health and the ephemeral cursors used for rewinds.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTopicNotExisting is returned when a name is not among the cluster's topics.
	ErrTopicNotExisting = errors.New("topic not existing")
	// ErrUnavailable is returned when the cluster cannot be reached or drops mid-operation.
	ErrUnavailable = errors.New("broker connection unavailable")
)

// Held offset sentinels. A held offset is the offset of the last record a
// cursor considers consumed; reading resumes at held+1.
const (
	// OffsetNone means nothing has been consumed yet.
	OffsetNone int64 = -1
	// OffsetEarliest rewinds to the earliest record still retained.
	OffsetEarliest int64 = -2
)

// BrokerInfo describes one broker from cluster metadata.
type BrokerInfo struct {
	NodeID int32  `json:"node_id"`
	Host   string `json:"host"`
	Port   int32  `json:"port"`
	Rack   string `json:"rack,omitempty"`
}

// TopicHandle is a topic known to the cluster at the time the connection
// handle was built.
type TopicHandle struct {
	Name       string  `json:"name"`
	Partitions []int32 `json:"partitions"`
	Internal   bool    `json:"-"`
}

// Cluster is a metadata snapshot.
type Cluster struct {
	Brokers []BrokerInfo
	Topics  map[string]TopicHandle
}

// Record is a consumed Kafka record. Value is owned by the caller once
// returned and is never modified by this package.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Value     []byte
	// Control marks a transaction marker. It occupies an offset but carries
	// no payload; readers use it only to track their position.
	Control bool
}

// Cursor is an ephemeral reader over all partitions of one topic,
// positioned at the tail when opened.
type Cursor interface {
	// Held returns the held offset per partition at open time: the offset
	// of the last record, or OffsetNone for an empty partition.
	Held() map[int32]int64
	// Rewind repositions partitions so reading resumes after each target
	// held offset. OffsetEarliest starts at the earliest retained record.
	// Partitions absent from targets are not read.
	Rewind(ctx context.Context, targets map[int32]int64) error
	// Poll blocks until records are available, the context ends or the
	// connection fails. Transaction markers are returned with Control set.
	Poll(ctx context.Context) ([]Record, error)
	Close()
}

// Producer sends records. A Producer is used by one caller at a time.
type Producer interface {
	Produce(ctx context.Context, topic string, value []byte) error
	Close()
}

// Conn is a live link to the cluster.
type Conn interface {
	Metadata(ctx context.Context) (Cluster, error)
	OpenCursor(ctx context.Context, topic TopicHandle) (Cursor, error)
	NewProducer(ctx context.Context) (Producer, error)
	Close()
}

// Dialer creates a Conn.
type Dialer func(ctx context.Context) (Conn, error)
