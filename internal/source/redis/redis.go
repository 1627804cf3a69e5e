// Package redis implements the Redis Streams source adapter and a stream
// dead-letter publisher, using consumer groups for durable cursors.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/lsm/stowage/internal/source"
)

// PasswordEnv names the environment variable holding the Redis password.
const PasswordEnv = "REDISCLI_AUTH"

// Config holds Redis Streams source configuration.
type Config struct {
	Addr           string
	DB             int
	Stream         string
	Group          string
	Consumer       string
	StartID        string // group start id when the group is created (default "0")
	MaxPollRecords int
	PollInterval   time.Duration
	Block          time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Group == "" {
		c.Group = "stowage"
	}
	if c.Consumer == "" {
		c.Consumer = "stowage-1"
	}
	if c.StartID == "" {
		c.StartID = "0"
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 10000
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
}

// Options returns the go-redis client options, with the password taken from
// REDISCLI_AUTH.
func (c Config) Options() *goredis.Options {
	return &goredis.Options{
		Addr:       c.Addr,
		Password:   os.Getenv(PasswordEnv),
		DB:         c.DB,
		MaxRetries: 5,
	}
}

// client abstracts the go-redis methods used by Source for testing.
type client interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *goredis.StatusCmd
	XReadGroup(ctx context.Context, a *goredis.XReadGroupArgs) *goredis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *goredis.IntCmd
	XTrimMinID(ctx context.Context, key string, minID string) *goredis.IntCmd
	Close() error
}

// Source consumes a Redis stream through a consumer group. Entries stay
// pending in the group until Ack.
type Source struct {
	client client
	cfg    Config
	pacer  *rate.Limiter
	logger *slog.Logger
}

// NewSource creates a new Redis Streams source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("stream is required")
	}
	cfg.applyDefaults()
	return newSource(goredis.NewClient(cfg.Options()), cfg, logger), nil
}

func newSource(c client, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client: c,
		cfg:    cfg,
		pacer:  source.NewPacer(cfg.PollInterval),
		logger: logger,
	}
}

// ensureGroup creates the consumer group, and the stream if missing. An
// existing group keeps its cursor.
func (s *Source) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, s.cfg.StartID).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", s.cfg.Group, s.cfg.Stream, err)
	}
	return nil
}

// Start begins consuming the stream. Entries this consumer read before but
// never acknowledged are delivered first, then new entries. Blocks until ctx
// is cancelled.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	s.logger.Info("starting redis stream consumer", "stream", s.cfg.Stream, "group", s.cfg.Group, "consumer", s.cfg.Consumer)

	for {
		err := s.ensureGroup(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("redis group setup failed", "stream", s.cfg.Stream, "error", err)
		if werr := s.pacer.Wait(ctx); werr != nil {
			return ctx.Err()
		}
	}

	// "0" walks this consumer's pending list; ">" reads never-delivered entries.
	cursor := "0"
	for {
		if err := s.pacer.Wait(ctx); err != nil {
			return ctx.Err()
		}

		streams, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, cursor},
			Count:    int64(s.cfg.MaxPollRecords),
			Block:    s.cfg.Block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("redis read error", "stream", s.cfg.Stream, "error", err)
			continue
		}

		seen := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				seen++
				if cursor != ">" {
					cursor = msg.ID
				}
				evt, err := toEvent(stream.Stream, msg)
				if errors.Is(err, errEntryDeleted) {
					// nothing left to persist; release it from the pending list
					s.logger.Warn("skipping deleted stream entry", "stream", stream.Stream, "id", msg.ID)
					if err := s.client.XAck(ctx, stream.Stream, s.cfg.Group, msg.ID).Err(); err != nil {
						s.logger.Error("xack of deleted entry failed", "stream", stream.Stream, "id", msg.ID, "error", err)
					}
					continue
				}
				if err != nil {
					s.logger.Error("undecodable stream entry", "stream", stream.Stream, "id", msg.ID, "error", err)
					continue
				}
				if err := source.Deliver(ctx, s.pacer, s.logger, handler, evt); err != nil {
					return err
				}
			}
		}
		if cursor != ">" && seen == 0 {
			s.logger.Info("pending entries replayed", "stream", s.cfg.Stream)
			cursor = ">"
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// errEntryDeleted marks a pending entry whose data was removed from the
// stream, e.g. by XDEL or a trim, before it was acknowledged.
var errEntryDeleted = errors.New("entry was deleted from the stream")

// toEvent turns a stream entry into an event. The payload is the JSON object
// of the entry's fields.
func toEvent(stream string, msg goredis.XMessage) (source.Event, error) {
	if msg.Values == nil {
		return source.Event{}, errEntryDeleted
	}
	payload, err := json.Marshal(msg.Values)
	if err != nil {
		return source.Event{}, err
	}
	return source.Event{
		Position:   source.Position{Shard: stream, Token: msg.ID},
		Payload:    payload,
		ReceivedAt: time.Now(),
	}, nil
}

// Ack acknowledges every given entry in the consumer group.
func (s *Source) Ack(ctx context.Context, positions []source.Position) error {
	ids := make(map[string][]string)
	var order []string
	for _, p := range positions {
		if _, ok := ids[p.Shard]; !ok {
			order = append(order, p.Shard)
		}
		ids[p.Shard] = append(ids[p.Shard], p.Token)
	}
	for _, stream := range order {
		if err := s.client.XAck(ctx, stream, s.cfg.Group, ids[stream]...).Err(); err != nil {
			return fmt.Errorf("xack %s: %w", stream, err)
		}
	}
	return nil
}

// Trim removes entries with ids strictly below each given position.
func (s *Source) Trim(ctx context.Context, before []source.Position) error {
	for _, p := range before {
		if err := s.client.XTrimMinID(ctx, p.Shard, p.Token).Err(); err != nil {
			return fmt.Errorf("xtrim %s minid %s: %w", p.Shard, p.Token, err)
		}
	}
	return nil
}

// Close closes the Redis client.
func (s *Source) Close() error {
	return s.client.Close()
}
