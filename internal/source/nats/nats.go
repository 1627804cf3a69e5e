// Package nats implements the NATS JetStream source adapter on a durable pull
// consumer with explicit acks.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/lsm/stowage/internal/source"
)

// Config holds JetStream source configuration.
type Config struct {
	URL            string
	Stream         string
	Subjects       []string // stream is created with these subjects when missing
	Durable        string
	StartPosition  string // "all" or "new" (default: "all")
	AckWait        time.Duration
	MaxPollRecords int
	PollInterval   time.Duration
	FetchWait      time.Duration
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Durable == "" {
		c.Durable = "stowage"
	}
	if c.AckWait <= 0 {
		c.AckWait = 5 * time.Minute
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 10000
	}
	if c.FetchWait <= 0 {
		c.FetchWait = time.Second
	}
}

// Source consumes a JetStream stream. Delivered messages are held until Ack
// so they can be acknowledged individually.
type Source struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	cfg    Config
	pacer  *rate.Limiter
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint64]*nats.Msg
}

// NewSource connects to NATS, makes sure the stream exists and binds a
// durable pull consumer.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("stream is required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("stowage"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) || len(cfg.Subjects) == 0 {
			conn.Close()
			return nil, fmt.Errorf("stream %s: %w", cfg.Stream, err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: cfg.Subjects,
			Storage:  nats.FileStorage,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
		}
		logger.Info("created jetstream stream", "stream", cfg.Stream, "subjects", cfg.Subjects)
	}

	deliver := nats.DeliverAll()
	if cfg.StartPosition == "new" {
		deliver = nats.DeliverNew()
	}
	sub, err := js.PullSubscribe("", cfg.Durable,
		nats.BindStream(cfg.Stream),
		nats.AckExplicit(),
		nats.AckWait(cfg.AckWait),
		deliver,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pull subscribe %s/%s: %w", cfg.Stream, cfg.Durable, err)
	}

	return &Source{
		conn:    conn,
		js:      js,
		sub:     sub,
		cfg:     cfg,
		pacer:   source.NewPacer(cfg.PollInterval),
		logger:  logger,
		pending: make(map[uint64]*nats.Msg),
	}, nil
}

// Start begins fetching from the durable consumer. Blocks until ctx is
// cancelled.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	s.logger.Info("starting jetstream consumer", "stream", s.cfg.Stream, "durable", s.cfg.Durable)

	for {
		if err := s.pacer.Wait(ctx); err != nil {
			return ctx.Err()
		}

		fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchWait)
		msgs, err := s.sub.Fetch(s.cfg.MaxPollRecords, nats.Context(fctx))
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("jetstream fetch error", "stream", s.cfg.Stream, "error", err)
			continue
		}

		for _, msg := range msgs {
			evt, seq, err := s.toEvent(msg)
			if err != nil {
				s.logger.Error("message without jetstream metadata", "subject", msg.Subject, "error", err)
				continue
			}
			s.mu.Lock()
			s.pending[seq] = msg
			s.mu.Unlock()
			if err := source.Deliver(ctx, s.pacer, s.logger, handler, evt); err != nil {
				return err
			}
		}
	}
}

func (s *Source) toEvent(msg *nats.Msg) (source.Event, uint64, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return source.Event{}, 0, err
	}
	evt := source.Event{
		Position: source.Position{
			Shard: meta.Stream,
			Token: strconv.FormatUint(meta.Sequence.Stream, 10),
		},
		Key:        []byte(msg.Subject),
		Payload:    msg.Data,
		Headers:    make(map[string]string, len(msg.Header)),
		ReceivedAt: time.Now(),
	}
	for k := range msg.Header {
		evt.Headers[k] = msg.Header.Get(k)
	}
	return evt, meta.Sequence.Stream, nil
}

// Ack acknowledges each delivered message. Positions that were never
// delivered by this source, or already acknowledged, are skipped.
func (s *Source) Ack(ctx context.Context, positions []source.Position) error {
	for _, p := range positions {
		seq, err := strconv.ParseUint(p.Token, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid jetstream sequence %q: %w", p.Token, err)
		}
		s.mu.Lock()
		msg, ok := s.pending[seq]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := msg.AckSync(nats.Context(ctx)); err != nil {
			return fmt.Errorf("ack %s: %w", p, err)
		}
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}
	return nil
}

// Trim purges each stream below the given sequence.
func (s *Source) Trim(_ context.Context, before []source.Position) error {
	for _, p := range before {
		seq, err := strconv.ParseUint(p.Token, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid jetstream sequence %q: %w", p.Token, err)
		}
		if err := s.js.PurgeStream(p.Shard, &nats.StreamPurgeRequest{Sequence: seq}); err != nil {
			return fmt.Errorf("purge %s below %d: %w", p.Shard, seq, err)
		}
	}
	return nil
}

// Close closes the connection. The subscription is not unsubscribed, since
// that deletes a consumer the library created, and the durable must survive
// restarts.
func (s *Source) Close() error {
	s.conn.Close()
	return nil
}
