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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	defaultClientID = "kafscale-portal"
	defaultReaderID = "kafscale-portal-reader"

	listOffsetsLatest   int64 = -1
	listOffsetsEarliest int64 = -2
)

// KafkaConfig configures connections to a Kafka cluster.
type KafkaConfig struct {
	SeedBrokers []string
	// ClientID identifies the admin and producer clients.
	ClientID string
	// ReaderID is shared by every rewind cursor. Cursors never join a group.
	ReaderID       string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// NewKafkaDialer returns a Dialer backed by franz-go.
func NewKafkaDialer(cfg KafkaConfig) Dialer {
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	if cfg.ReaderID == "" {
		cfg.ReaderID = defaultReaderID
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(ctx context.Context) (Conn, error) {
		if len(cfg.SeedBrokers) == 0 {
			return nil, errors.New("no seed brokers configured")
		}
		client, err := kgo.NewClient(cfg.baseOpts(cfg.ClientID)...)
		if err != nil {
			return nil, fmt.Errorf("create kafka client: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping kafka: %w", err)
		}
		return &kafkaConn{cfg: cfg, admin: client}, nil
	}
}

func (cfg KafkaConfig) baseOpts(clientID string) []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.ClientID(clientID),
		kgo.RequestTimeoutOverhead(cfg.RequestTimeout),
		kgo.WithLogger(newSlogAdapter(cfg.Logger.With("component", "franz", "client_id", clientID))),
	}
}

type kafkaConn struct {
	cfg   KafkaConfig
	admin *kgo.Client
}

func (c *kafkaConn) Metadata(ctx context.Context) (Cluster, error) {
	req := kmsg.NewPtrMetadataRequest()
	resp, err := req.RequestWith(ctx, c.admin)
	if err != nil {
		return Cluster{}, fmt.Errorf("metadata: %w", err)
	}
	cluster := Cluster{Topics: make(map[string]TopicHandle, len(resp.Topics))}
	for _, b := range resp.Brokers {
		info := BrokerInfo{NodeID: b.NodeID, Host: b.Host, Port: b.Port}
		if b.Rack != nil {
			info.Rack = *b.Rack
		}
		cluster.Brokers = append(cluster.Brokers, info)
	}
	for _, t := range resp.Topics {
		if t.Topic == nil || t.ErrorCode != 0 {
			continue
		}
		handle := TopicHandle{Name: *t.Topic, Internal: t.IsInternal}
		for _, p := range t.Partitions {
			handle.Partitions = append(handle.Partitions, p.Partition)
		}
		sort.Slice(handle.Partitions, func(i, j int) bool { return handle.Partitions[i] < handle.Partitions[j] })
		cluster.Topics[handle.Name] = handle
	}
	return cluster, nil
}

func (c *kafkaConn) OpenCursor(ctx context.Context, topic TopicHandle) (Cursor, error) {
	end, err := c.listOffsets(ctx, topic, listOffsetsLatest)
	if err != nil {
		return nil, err
	}
	start, err := c.listOffsets(ctx, topic, listOffsetsEarliest)
	if err != nil {
		return nil, err
	}
	held := make(map[int32]int64, len(end))
	for p, hwm := range end {
		held[p] = heldOffset(start[p], hwm)
	}
	return &kafkaCursor{cfg: c.cfg, topic: topic.Name, held: held}, nil
}

// heldOffset is the offset of the last retained record, or OffsetNone when
// the partition holds nothing.
func heldOffset(logStart, highWatermark int64) int64 {
	if highWatermark <= 0 || logStart >= highWatermark {
		return OffsetNone
	}
	return highWatermark - 1
}

func (c *kafkaConn) listOffsets(ctx context.Context, topic TopicHandle, timestamp int64) (map[int32]int64, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1
	rt := kmsg.NewListOffsetsRequestTopic()
	rt.Topic = topic.Name
	for _, p := range topic.Partitions {
		rp := kmsg.NewListOffsetsRequestTopicPartition()
		rp.Partition = p
		rp.Timestamp = timestamp
		rt.Partitions = append(rt.Partitions, rp)
	}
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, c.admin)
	if err != nil {
		return nil, fmt.Errorf("list offsets %s: %w", topic.Name, err)
	}
	offsets := make(map[int32]int64, len(topic.Partitions))
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kafkaError(p.ErrorCode); err != nil {
				return nil, fmt.Errorf("list offsets %s/%d: %w", topic.Name, p.Partition, err)
			}
			offsets[p.Partition] = p.Offset
		}
	}
	return offsets, nil
}

// kafkaError maps a Kafka error code onto the package sentinels.
func kafkaError(code int16) error {
	err := kerr.ErrorForCode(code)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kerr.UnknownTopicOrPartition):
		return fmt.Errorf("%w: %v", ErrTopicNotExisting, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (c *kafkaConn) NewProducer(ctx context.Context) (Producer, error) {
	opts := append(c.cfg.baseOpts(c.cfg.ClientID),
		kgo.DisableIdempotentWrite(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(1),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return &kafkaProducer{client: client}, nil
}

func (c *kafkaConn) Close() { c.admin.Close() }

type kafkaProducer struct {
	client *kgo.Client
}

func (p *kafkaProducer) Produce(ctx context.Context, topic string, value []byte) error {
	res := p.client.ProduceSync(ctx, &kgo.Record{Topic: topic, Value: value})
	err := res.FirstErr()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, kerr.UnknownTopicOrPartition):
		return fmt.Errorf("%w: %s", ErrTopicNotExisting, topic)
	default:
		return fmt.Errorf("%w: produce %s: %v", ErrUnavailable, topic, err)
	}
}

func (p *kafkaProducer) Close() { p.client.Close() }

type kafkaCursor struct {
	cfg      KafkaConfig
	topic    string
	held     map[int32]int64
	consumer *kgo.Client
}

func (c *kafkaCursor) Held() map[int32]int64 {
	out := make(map[int32]int64, len(c.held))
	for p, o := range c.held {
		out[p] = o
	}
	return out
}

func (c *kafkaCursor) Rewind(ctx context.Context, targets map[int32]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.consumer != nil {
		c.consumer.Close()
		c.consumer = nil
	}
	offsets := make(map[int32]kgo.Offset, len(targets))
	for p, target := range targets {
		offsets[p] = resumeOffset(target)
	}
	opts := append(c.cfg.baseOpts(c.cfg.ReaderID),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{c.topic: offsets}),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.KeepControlRecords(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("%w: create cursor: %v", ErrUnavailable, err)
	}
	c.consumer = client
	return nil
}

// resumeOffset converts a held target into the position of the next record.
func resumeOffset(target int64) kgo.Offset {
	if target < 0 {
		return kgo.NewOffset().AtStart()
	}
	return kgo.NewOffset().At(target + 1)
}

func (c *kafkaCursor) Poll(ctx context.Context) ([]Record, error) {
	if c.consumer == nil {
		return nil, errors.New("cursor not positioned")
	}
	fetches := c.consumer.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("%w: cursor closed", ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		var dataLoss *kgo.ErrDataLoss
		switch {
		case errors.As(fe.Err, &dataLoss):
			continue
		case errors.Is(fe.Err, context.Canceled), errors.Is(fe.Err, context.DeadlineExceeded):
			return nil, fe.Err
		default:
			return nil, fmt.Errorf("%w: fetch %s/%d: %v", ErrUnavailable, fe.Topic, fe.Partition, fe.Err)
		}
	}
	var records []Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Timestamp: r.Timestamp,
			Value:     r.Value,
			Control:   r.Attrs.IsControl(),
		})
	})
	return records, nil
}

func (c *kafkaCursor) Close() {
	if c.consumer != nil {
		c.consumer.Close()
		c.consumer = nil
	}
}
