// Package config loads the sink definition from a YAML file and watches it
// for batch threshold changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/kafka"
	"github.com/lsm/stowage/internal/retry"
)

// DefaultPath is used when neither -config nor STOWAGE_CONFIG is given.
const DefaultPath = "/etc/stowage/sink.yaml"

// Source types.
const (
	SourceRedis = "redis"
	SourceKafka = "kafka"
	SourceNATS  = "nats"
)

// Sink drivers. DriverPgx uses the native pgx writer, the others go through
// database/sql.
const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Dead-letter destinations.
const (
	DeadLetterFile  = "file"
	DeadLetterKafka = "kafka"
	DeadLetterRedis = "redis"
)

// Config is a complete sink definition.
type Config struct {
	Name       string           `yaml:"name"`
	Source     SourceConfig     `yaml:"source"`
	Batch      BatchConfig      `yaml:"batch"`
	Sink       SinkConfig       `yaml:"sink"`
	Flush      FlushConfig      `yaml:"flush"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter,omitempty"`
}

// SourceConfig selects and configures the stream source.
type SourceConfig struct {
	Type           string        `yaml:"type"`
	MaxPollRecords int           `yaml:"maxPollRecords"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	Trim           bool          `yaml:"trim"`
	Redis          *RedisSource  `yaml:"redis,omitempty"`
	Kafka          *KafkaSource  `yaml:"kafka,omitempty"`
	NATS           *NATSSource   `yaml:"nats,omitempty"`
}

// RedisSource holds Redis Streams settings. The password comes from
// REDISCLI_AUTH.
type RedisSource struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	StartID  string `yaml:"startId"`
}

// KafkaSource holds Kafka consumer settings.
type KafkaSource struct {
	Cluster       kafka.ClusterConfig `yaml:"cluster"`
	Topic         string              `yaml:"topic"`
	ConsumerGroup string              `yaml:"consumerGroup"`
	StartOffset   string              `yaml:"startOffset"`
}

// NATSSource holds JetStream consumer settings.
type NATSSource struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	Subjects      []string      `yaml:"subjects,omitempty"`
	Durable       string        `yaml:"durable"`
	StartPosition string        `yaml:"startPosition"`
	AckWait       time.Duration `yaml:"ackWait"`
}

// BatchConfig holds accumulator thresholds. MaxBatchSize and MaxBatchAge are
// hot-reloadable.
type BatchConfig struct {
	MaxBatchSize  int                  `yaml:"maxBatchSize"`
	MaxBatchAge   time.Duration        `yaml:"maxBatchAge"`
	MemoryCeiling int                  `yaml:"memoryCeiling"`
	Overflow      batch.OverflowPolicy `yaml:"overflow"`
}

// Accumulator converts the thresholds into accumulator configuration.
func (b BatchConfig) Accumulator() batch.Config {
	return batch.Config{
		MaxBatchSize:  b.MaxBatchSize,
		MaxBatchAge:   b.MaxBatchAge,
		MemoryCeiling: b.MemoryCeiling,
		Overflow:      b.Overflow,
	}
}

// SinkConfig describes the target table and how to reach it. The database
// password comes from PGPASSWORD.
type SinkConfig struct {
	Driver        string `yaml:"driver"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Database      string `yaml:"database"`
	User          string `yaml:"user"`
	SSLMode       string `yaml:"sslMode"`
	DSN           string `yaml:"dsn"`
	Schema        string `yaml:"schema"`
	Table         string `yaml:"table"`
	PayloadField  string `yaml:"payloadField"`
	WritePageSize int    `yaml:"writePageSize"`
}

// BackoffConfig is the delay sequence between write attempts. Jitter is a
// pointer so an explicit 0 turns jitter off instead of taking the default.
// The attempt count lives in FlushConfig.MaxFlushAttempts; MaxAttempts is
// only decoded so Validate can reject it.
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Multiplier  float64       `yaml:"multiplier"`
	Cap         time.Duration `yaml:"cap"`
	Jitter      *float64      `yaml:"jitter"`
	MaxAttempts int           `yaml:"maxAttempts,omitempty"`
}

// FlushConfig holds flush controller settings.
type FlushConfig struct {
	Backoff             BackoffConfig `yaml:"backoff"`
	MaxFlushAttempts    int           `yaml:"maxFlushAttempts"`
	WriteTimeout        time.Duration `yaml:"writeTimeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdownGracePeriod"`
	OnFatal             string        `yaml:"onFatal"`
	CheckInterval       time.Duration `yaml:"checkInterval"`
}

// Retry returns the write retry policy: MaxFlushAttempts total attempts
// spaced by the backoff sequence.
func (f FlushConfig) Retry() retry.Config {
	cfg := retry.Config{
		MaxAttempts:     f.MaxFlushAttempts,
		InitialInterval: f.Backoff.Base,
		Multiplier:      f.Backoff.Multiplier,
		MaxInterval:     f.Backoff.Cap,
	}
	if f.Backoff.Jitter != nil {
		cfg.Jitter = *f.Backoff.Jitter
	}
	return cfg
}

// DeadLetterConfig selects where quarantined batches go.
type DeadLetterConfig struct {
	Type   string               `yaml:"type"`
	Topic  string               `yaml:"topic"`
	Dir    string               `yaml:"dir"`
	MaxLen int64                `yaml:"maxLen"`
	Kafka  *kafka.ClusterConfig `yaml:"kafka,omitempty"`
	Redis  *RedisSource         `yaml:"redis,omitempty"`
}

// ApplyDefaults fills every unset option with its default.
func (c *Config) ApplyDefaults() {
	if c.Source.MaxPollRecords == 0 {
		c.Source.MaxPollRecords = 10000
	}
	if c.Source.PollInterval == 0 {
		c.Source.PollInterval = 100 * time.Millisecond
	}

	def := batch.DefaultConfig()
	if c.Batch.MaxBatchSize == 0 {
		c.Batch.MaxBatchSize = def.MaxBatchSize
	}
	if c.Batch.MaxBatchAge == 0 {
		c.Batch.MaxBatchAge = def.MaxBatchAge
	}
	if c.Batch.Overflow == "" {
		c.Batch.Overflow = def.Overflow
	}

	if c.Sink.Driver == "" {
		c.Sink.Driver = DriverPgx
	}
	if c.Sink.Schema == "" && c.Sink.Driver != DriverSQLite {
		c.Sink.Schema = "public"
	}
	if c.Sink.WritePageSize == 0 {
		c.Sink.WritePageSize = 10000
	}

	backoff := retry.DefaultConfig()
	if c.Flush.Backoff.Base == 0 {
		c.Flush.Backoff.Base = backoff.InitialInterval
	}
	if c.Flush.Backoff.Multiplier == 0 {
		c.Flush.Backoff.Multiplier = backoff.Multiplier
	}
	if c.Flush.Backoff.Cap == 0 {
		c.Flush.Backoff.Cap = backoff.MaxInterval
	}
	if c.Flush.Backoff.Jitter == nil {
		jitter := backoff.Jitter
		c.Flush.Backoff.Jitter = &jitter
	}
	if c.Flush.MaxFlushAttempts == 0 {
		c.Flush.MaxFlushAttempts = backoff.MaxAttempts
	}
	if c.Flush.WriteTimeout == 0 {
		c.Flush.WriteTimeout = 30 * time.Second
	}
	if c.Flush.ShutdownGracePeriod == 0 {
		c.Flush.ShutdownGracePeriod = 10 * time.Second
	}
	if c.Flush.OnFatal == "" {
		c.Flush.OnFatal = "halt"
	}
	if c.Flush.CheckInterval == 0 {
		c.Flush.CheckInterval = 250 * time.Millisecond
	}

	if c.DeadLetter.Type == DeadLetterFile && c.DeadLetter.Dir == "" {
		c.DeadLetter.Dir = "/var/lib/stowage/deadletter"
	}
}

// ApplyEnv fills credentials that are only ever read from the environment.
func (c *Config) ApplyEnv() {
	if c.Source.Kafka != nil {
		c.Source.Kafka.Cluster.ApplyEnv()
	}
	if c.DeadLetter.Kafka != nil {
		c.DeadLetter.Kafka.ApplyEnv()
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	errs = append(errs, c.validateSource()...)

	if err := c.Batch.Accumulator().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("batch: %w", err))
	}

	switch c.Sink.Driver {
	case DriverPgx:
		if c.Sink.Database == "" {
			errs = append(errs, errors.New("sink.database is required for the pgx driver"))
		}
	case DriverPostgres, DriverSQLite:
		if c.Sink.DSN == "" {
			errs = append(errs, fmt.Errorf("sink.dsn is required for the %s driver", c.Sink.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("sink.driver %q is not valid (must be pgx, postgres, or sqlite3)", c.Sink.Driver))
	}
	if c.Sink.Table == "" {
		errs = append(errs, errors.New("sink.table is required"))
	}
	if c.Sink.WritePageSize < 0 {
		errs = append(errs, errors.New("sink.writePageSize cannot be negative"))
	}

	if c.Flush.Backoff.MaxAttempts != 0 {
		errs = append(errs, errors.New("flush.backoff.maxAttempts is not supported, set flush.maxFlushAttempts"))
	}
	if err := c.Flush.Retry().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("flush.backoff: %w", err))
	}
	if c.Flush.WriteTimeout < 0 || c.Flush.ShutdownGracePeriod < 0 || c.Flush.CheckInterval < 0 {
		errs = append(errs, errors.New("flush durations cannot be negative"))
	}
	switch c.Flush.OnFatal {
	case "halt":
	case "deadletter":
		if c.DeadLetter.Type == "" {
			errs = append(errs, errors.New("deadLetter is required when flush.onFatal is deadletter"))
		}
	default:
		errs = append(errs, fmt.Errorf("flush.onFatal %q is not valid (must be halt or deadletter)", c.Flush.OnFatal))
	}

	switch c.DeadLetter.Type {
	case "", DeadLetterFile:
	case DeadLetterKafka:
		if c.DeadLetter.Kafka == nil {
			errs = append(errs, errors.New("deadLetter.kafka is required for the kafka dead-letter type"))
		} else if err := c.DeadLetter.Kafka.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("deadLetter.kafka: %w", err))
		}
	case DeadLetterRedis:
		if c.DeadLetter.Redis == nil {
			errs = append(errs, errors.New("deadLetter.redis is required for the redis dead-letter type"))
		}
	default:
		errs = append(errs, fmt.Errorf("deadLetter.type %q is not valid (must be file, kafka, or redis)", c.DeadLetter.Type))
	}

	return errors.Join(errs...)
}

func (c *Config) validateSource() []error {
	var errs []error
	if c.Source.MaxPollRecords < 0 {
		errs = append(errs, errors.New("source.maxPollRecords cannot be negative"))
	}
	if c.Source.PollInterval < 0 {
		errs = append(errs, errors.New("source.pollInterval cannot be negative"))
	}
	switch c.Source.Type {
	case SourceRedis:
		if c.Source.Redis == nil || c.Source.Redis.Stream == "" {
			errs = append(errs, errors.New("source.redis.stream is required"))
		}
	case SourceKafka:
		if c.Source.Kafka == nil {
			errs = append(errs, errors.New("source.kafka is required"))
			break
		}
		if err := c.Source.Kafka.Cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source.kafka.cluster: %w", err))
		}
		if c.Source.Kafka.Topic == "" {
			errs = append(errs, errors.New("source.kafka.topic is required"))
		}
		if c.Source.Kafka.ConsumerGroup == "" {
			errs = append(errs, errors.New("source.kafka.consumerGroup is required"))
		}
	case SourceNATS:
		if c.Source.NATS == nil || c.Source.NATS.Stream == "" {
			errs = append(errs, errors.New("source.nats.stream is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.type %q is not valid (must be redis, kafka, or nats)", c.Source.Type))
	}
	return errs
}

// RestartRequired reports whether next differs from prev in anything other
// than the hot-reloadable batch thresholds.
func RestartRequired(prev, next *Config) bool {
	a, b := *prev, *next
	a.Batch.MaxBatchSize, a.Batch.MaxBatchAge = 0, 0
	b.Batch.MaxBatchSize, b.Batch.MaxBatchAge = 0, 0
	return !reflect.DeepEqual(a, b)
}

// Parse decodes, defaults and validates a sink definition.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Loader loads and watches the sink definition file.
type Loader struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	logger   *slog.Logger
	onChange func(*Config)
}

// NewLoader creates a new configuration loader for the given file.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   path,
		logger: logger,
	}
}

// OnChange registers a callback that fires when the file changes and the new
// content is valid.
func (l *Loader) OnChange(fn func(*Config)) {
	l.onChange = fn
}

// Load reads, defaults and validates the file.
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch watches the file's directory, so that editors replacing the file are
// noticed too. Blocks until done is closed.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	l.logger.Info("watching config file", "path", l.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			l.logger.Info("config change detected", "file", event.Name, "op", event.Op)
			cfg, err := l.Load()
			if err != nil {
				l.logger.Error("failed to reload config, keeping previous", "error", err)
				continue
			}
			if l.onChange != nil {
				l.onChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}
