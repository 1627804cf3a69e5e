package pipeline

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/stowage/internal/ack"
	"github.com/lsm/stowage/internal/batch"
	"github.com/lsm/stowage/internal/config"
	"github.com/lsm/stowage/internal/dlq"
	"github.com/lsm/stowage/internal/flush"
	"github.com/lsm/stowage/internal/observability"
	"github.com/lsm/stowage/internal/sink"
	"github.com/lsm/stowage/internal/sink/postgres"
	"github.com/lsm/stowage/internal/sink/sqldb"
	"github.com/lsm/stowage/internal/source"
	kafkasource "github.com/lsm/stowage/internal/source/kafka"
	natssource "github.com/lsm/stowage/internal/source/nats"
	redissource "github.com/lsm/stowage/internal/source/redis"
)

// ackingSource is a source that can acknowledge what it delivered.
type ackingSource interface {
	source.Source
	source.Acker
}

// Build wires a pipeline from a validated configuration. tracer may be nil.
func Build(cfg *config.Config, m *observability.Metrics, tracer trace.Tracer, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	src, err := buildSource(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	w, err := buildWriter(cfg, tracer, logger)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("sink: %w", err)
	}

	handler, err := buildDeadLetter(cfg)
	if err != nil {
		_ = src.Close()
		_ = w.Close()
		return nil, fmt.Errorf("dead letter: %w", err)
	}

	p, err := assemble(cfg, src, w, handler, m, tracer, logger)
	if err != nil {
		_ = src.Close()
		_ = w.Close()
		if handler != nil {
			_ = handler.Close()
		}
		return nil, err
	}
	return p, nil
}

func assemble(cfg *config.Config, src ackingSource, w sink.Writer, handler *dlq.Handler, m *observability.Metrics, tracer trace.Tracer, logger *slog.Logger) (*Pipeline, error) {
	acc, err := batch.NewAccumulator(cfg.Batch.Accumulator())
	if err != nil {
		return nil, err
	}

	coord, err := ack.NewCoordinator(src, ack.Config{Sink: cfg.Name, Trim: cfg.Source.Trim}, logger)
	if err != nil {
		return nil, err
	}
	if tracer != nil {
		coord.SetTracer(tracer)
	}

	opts := []flush.Option{flush.WithMetrics(m)}
	if tracer != nil {
		opts = append(opts, flush.WithTracer(tracer))
	}
	if handler != nil {
		opts = append(opts, flush.WithDeadLetter(handler))
	}
	ctrl, err := flush.NewController(flush.Config{
		Sink:                cfg.Name,
		CheckInterval:       cfg.Flush.CheckInterval,
		WriteTimeout:        cfg.Flush.WriteTimeout,
		ShutdownGracePeriod: cfg.Flush.ShutdownGracePeriod,
		Backoff:             cfg.Flush.Retry(),
		OnFatal:             flush.FatalPolicy(cfg.Flush.OnFatal),
	}, acc, w, coord, logger)
	if err != nil {
		return nil, err
	}

	return New(Config{Sink: cfg.Name}, src, acc, ctrl, w, handler, m, logger), nil
}

func buildSource(cfg *config.Config, logger *slog.Logger) (ackingSource, error) {
	sc := cfg.Source
	switch sc.Type {
	case config.SourceRedis:
		return redissource.NewSource(redissource.Config{
			Addr:           sc.Redis.Addr,
			DB:             sc.Redis.DB,
			Stream:         sc.Redis.Stream,
			Group:          sc.Redis.Group,
			Consumer:       sc.Redis.Consumer,
			StartID:        sc.Redis.StartID,
			MaxPollRecords: sc.MaxPollRecords,
			PollInterval:   sc.PollInterval,
		}, logger.With("component", "redis-source"))
	case config.SourceKafka:
		return kafkasource.NewSource(kafkasource.Config{
			Cluster:        &sc.Kafka.Cluster,
			Topic:          sc.Kafka.Topic,
			ConsumerGroup:  sc.Kafka.ConsumerGroup,
			StartOffset:    sc.Kafka.StartOffset,
			MaxPollRecords: sc.MaxPollRecords,
			PollInterval:   sc.PollInterval,
		}, logger.With("component", "kafka-source"))
	case config.SourceNATS:
		return natssource.NewSource(natssource.Config{
			URL:            sc.NATS.URL,
			Stream:         sc.NATS.Stream,
			Subjects:       sc.NATS.Subjects,
			Durable:        sc.NATS.Durable,
			StartPosition:  sc.NATS.StartPosition,
			AckWait:        sc.NATS.AckWait,
			MaxPollRecords: sc.MaxPollRecords,
			PollInterval:   sc.PollInterval,
		}, logger.With("component", "nats-source"))
	default:
		return nil, fmt.Errorf("unsupported source type %q", sc.Type)
	}
}

func buildWriter(cfg *config.Config, tracer trace.Tracer, logger *slog.Logger) (sink.Writer, error) {
	sc := cfg.Sink
	switch sc.Driver {
	case config.DriverPgx:
		var opts []postgres.Option
		if tracer != nil {
			opts = append(opts, postgres.WithTracer(tracer))
		}
		return postgres.NewWriter(postgres.Config{
			Host:         sc.Host,
			Port:         sc.Port,
			Database:     sc.Database,
			User:         sc.User,
			SSLMode:      sc.SSLMode,
			Schema:       sc.Schema,
			Table:        sc.Table,
			PayloadField: sc.PayloadField,
			PageSize:     sc.WritePageSize,
		}, logger.With("component", "postgres-sink"), opts...)
	case config.DriverPostgres, config.DriverSQLite:
		var opts []sqldb.Option
		if tracer != nil {
			opts = append(opts, sqldb.WithTracer(tracer))
		}
		return sqldb.NewWriter(sqldb.Config{
			Driver:       sqldb.Dialect(sc.Driver),
			DSN:          sc.DSN,
			Schema:       sc.Schema,
			Table:        sc.Table,
			PayloadField: sc.PayloadField,
			PageSize:     sc.WritePageSize,
		}, logger.With("component", "sql-sink"), opts...)
	default:
		return nil, fmt.Errorf("unsupported sink driver %q", sc.Driver)
	}
}

// buildDeadLetter returns nil when no dead-letter destination is configured.
func buildDeadLetter(cfg *config.Config) (*dlq.Handler, error) {
	dc := cfg.DeadLetter
	var pub dlq.Publisher
	switch dc.Type {
	case "":
		return nil, nil
	case config.DeadLetterFile:
		fp, err := dlq.NewFilePublisher(dc.Dir)
		if err != nil {
			return nil, err
		}
		pub = fp
	case config.DeadLetterKafka:
		kp, err := kafkasource.NewPublisher(dc.Kafka)
		if err != nil {
			return nil, err
		}
		pub = kp
	case config.DeadLetterRedis:
		pub = redissource.NewPublisher(redissource.Config{
			Addr: dc.Redis.Addr,
			DB:   dc.Redis.DB,
		}, dc.MaxLen)
	default:
		return nil, fmt.Errorf("unsupported dead-letter type %q", dc.Type)
	}

	var opts []dlq.Option
	if dc.Topic != "" {
		topic := dc.Topic
		opts = append(opts, dlq.WithTopicFunc(func(string) string { return topic }))
	}
	return dlq.NewHandler(pub, opts...), nil
}
