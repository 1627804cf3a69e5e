// Package kafka implements the Kafka source adapter and dead-letter publisher.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/time/rate"

	"github.com/lsm/stowage/internal/kafka"
	"github.com/lsm/stowage/internal/source"
)

// Config holds Kafka source configuration.
type Config struct {
	Cluster        *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	Topic          string
	ConsumerGroup  string
	StartOffset    string // "earliest" or "latest" (default: "earliest")
	MaxPollRecords int
	PollInterval   time.Duration
}

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitOffsetsSync(ctx context.Context, uncommitted map[string]map[int32]kgo.EpochOffset, onDone func(*kgo.Client, *kmsg.OffsetCommitRequest, *kmsg.OffsetCommitResponse, error))
	Close()
}

// admin abstracts the kadm methods used for trimming.
type admin interface {
	DeleteRecords(ctx context.Context, os kadm.Offsets) (kadm.DeleteRecordsResponses, error)
}

// Source consumes events from a Kafka topic. Offsets are committed only
// through Ack, never automatically.
type Source struct {
	client  consumer
	admin   admin
	topic   string
	maxPoll int
	pacer   *rate.Limiter
	logger  *slog.Logger
}

// NewSource creates a new Kafka source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 10000
	}

	offset := kgo.NewOffset().AtStart()
	if cfg.StartOffset == "latest" {
		offset = kgo.NewOffset().AtEnd()
	}

	opts, err := cfg.Cluster.Options()
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return &Source{
		client:  client,
		admin:   kadm.NewClient(client),
		topic:   cfg.Topic,
		maxPoll: cfg.MaxPollRecords,
		pacer:   source.NewPacer(cfg.PollInterval),
		logger:  logger,
	}, nil
}

// Shard returns the shard name for a topic partition.
func Shard(topic string, partition int32) string {
	return topic + "/" + strconv.Itoa(int(partition))
}

// parsePosition splits a position into topic, partition and offset.
func parsePosition(p source.Position) (string, int32, int64, error) {
	i := strings.LastIndexByte(p.Shard, '/')
	if i <= 0 {
		return "", 0, 0, fmt.Errorf("invalid kafka shard %q", p.Shard)
	}
	partition, err := strconv.ParseInt(p.Shard[i+1:], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid kafka partition in %q: %w", p.Shard, err)
	}
	offset, err := strconv.ParseInt(p.Token, 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid kafka offset %q: %w", p.Token, err)
	}
	return p.Shard[:i], int32(partition), offset, nil
}

// Start begins consuming events from Kafka. Blocks until ctx is cancelled.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	s.logger.Info("starting kafka consumer", "topic", s.topic)

	for {
		if err := s.pacer.Wait(ctx); err != nil {
			return ctx.Err()
		}
		fetches := s.client.PollRecords(ctx, s.maxPoll)

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				s.logger.Error("fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			if err := source.Deliver(ctx, s.pacer, s.logger, handler, s.event(iter.Next())); err != nil {
				return err
			}
		}

		if ctx.Err() != nil {
			s.logger.Info("kafka source stopped", "topic", s.topic)
			return ctx.Err()
		}
	}
}

func (s *Source) event(record *kgo.Record) source.Event {
	evt := source.Event{
		Position: source.Position{
			Shard: Shard(record.Topic, record.Partition),
			Token: strconv.FormatInt(record.Offset, 10),
		},
		Key:        record.Key,
		Payload:    record.Value,
		Headers:    make(map[string]string, len(record.Headers)),
		ReceivedAt: time.Now(),
	}
	for _, h := range record.Headers {
		evt.Headers[h.Key] = string(h.Value)
	}
	return evt
}

// Ack commits, per partition, the offset after the highest given position.
func (s *Source) Ack(ctx context.Context, positions []source.Position) error {
	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for _, p := range positions {
		topic, partition, offset, err := parsePosition(p)
		if err != nil {
			return err
		}
		parts, ok := uncommitted[topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			uncommitted[topic] = parts
		}
		if cur, ok := parts[partition]; !ok || offset+1 > cur.Offset {
			parts[partition] = kgo.EpochOffset{Epoch: -1, Offset: offset + 1}
		}
	}
	if len(uncommitted) == 0 {
		return nil
	}

	var commitErr error
	s.client.CommitOffsetsSync(ctx, uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		var errs []error
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if perr := kerr.ErrorForCode(p.ErrorCode); perr != nil {
					errs = append(errs, fmt.Errorf("%s: %w", Shard(t.Topic, p.Partition), perr))
				}
			}
		}
		commitErr = errors.Join(errs...)
	})
	if commitErr != nil {
		return fmt.Errorf("kafka commit: %w", commitErr)
	}
	return nil
}

// Trim deletes records strictly before each given position.
func (s *Source) Trim(ctx context.Context, before []source.Position) error {
	offsets := make(kadm.Offsets)
	for _, p := range before {
		topic, partition, offset, err := parsePosition(p)
		if err != nil {
			return err
		}
		offsets.Add(kadm.Offset{Topic: topic, Partition: partition, At: offset, LeaderEpoch: -1})
	}
	if len(offsets) == 0 {
		return nil
	}

	resps, err := s.admin.DeleteRecords(ctx, offsets)
	if err != nil {
		return fmt.Errorf("kafka delete records: %w", err)
	}
	var errs []error
	for _, parts := range resps {
		for _, r := range parts {
			if r.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", Shard(r.Topic, r.Partition), r.Err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kafka delete records: %w", err)
	}
	return nil
}

// Close performs graceful shutdown of the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
