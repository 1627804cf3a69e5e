package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// Field names of dead-letter stream entries. Headers are added as fields of
// their own.
const (
	FieldKey     = "key"
	FieldPayload = "payload"
)

// adder abstracts the go-redis methods used by Publisher for testing.
type adder interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	Close() error
}

// Publisher appends dead-lettered events to Redis streams, one stream per
// topic. Implements dlq.Publisher.
type Publisher struct {
	client adder
	maxLen int64
}

// NewPublisher creates a publisher. A positive maxLen caps each dead-letter
// stream approximately.
func NewPublisher(cfg Config, maxLen int64) *Publisher {
	cfg.applyDefaults()
	return &Publisher{client: goredis.NewClient(cfg.Options()), maxLen: maxLen}
}

// Publish adds one entry to the topic stream.
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	values := make(map[string]interface{}, len(headers)+2)
	for k, v := range headers {
		values[k] = v
	}
	values[FieldKey] = string(key)
	values[FieldPayload] = string(value)

	args := &goredis.XAddArgs{Stream: topic, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
