package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/shandysiswandi/unimq/internal/pkg/clock"
	"github.com/shandysiswandi/unimq/internal/pkg/config"
	"github.com/shandysiswandi/unimq/internal/pkg/deadletter"
	"github.com/shandysiswandi/unimq/internal/pkg/goroutine"
	"github.com/shandysiswandi/unimq/internal/pkg/idempotency"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
	"github.com/shandysiswandi/unimq/internal/pkg/router"
	"github.com/shandysiswandi/unimq/internal/pkg/storage"
	"github.com/shandysiswandi/unimq/internal/pkg/uid"
	"github.com/shandysiswandi/unimq/internal/pkg/validator"
	"google.golang.org/api/option"
)

func (a *App) initConfig() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "/config/config.yaml"
		if os.Getenv("LOCAL") == "true" {
			path = "./config/config.yaml"
		}
	}

	cfg, err := config.NewViper(path)
	if err != nil {
		slog.Error("failed to init config", "error", err)
		os.Exit(1)
	}

	if tz := cfg.GetString("app.tz"); tz != "" {
		//nolint:errcheck,gosec // ignore error
		os.Setenv("TZ", tz)
	}

	a.config = cfg
}

func (a *App) initInstrument() {
	ins, err := instrument.New(context.Background(), &instrument.Config{
		Enabled:          a.config.GetBool("instrument.enabled"),
		ServiceName:      a.config.GetString("instrument.service_name"),
		ServiceVersion:   a.config.GetString("instrument.service_version"),
		Environment:      a.config.GetString("instrument.env"),
		OTLPEndpoint:     a.config.GetString("instrument.otlp_endpoint"),
		OTLPSecure:       a.config.GetBool("instrument.otlp_secure"),
		TraceSampleRatio: a.config.GetFloat64("instrument.trace_sample_ratio"),
		MetricsInterval:  a.config.GetSecond("instrument.metric_interval_seconds"),
		MaskFields:       a.config.GetArray("instrument.log_mask_fields"),
		LogLevel:         a.config.GetString("instrument.log_level"),
		Attributes:       a.config.GetMap("instrument.attributes"),
	})
	if err != nil {
		slog.Error("failed to init instrumentation", "error", err)
		os.Exit(1)
	}
	a.ins = ins

	if w, ok := a.config.(interface{ OnReload(func()) }); ok {
		w.OnReload(func() {
			instrument.SetLevel(a.config.GetString("instrument.log_level"))
		})
	}
}

func (a *App) initLibraries() {
	a.clock = clock.New()
	a.uuid = uid.NewUUID()
	a.goroutine = goroutine.NewManager(a.config.GetInt("app.server.max_goroutine"))

	validator, err := validator.NewV10Validator()
	if err != nil {
		slog.Error("failed to init validation v10 validator", "error", err)
		os.Exit(1)
	}
	a.validator = validator

	snow, err := uid.NewSnowflake(a.config.GetInt64("app.node_id"))
	if err != nil {
		slog.Error("failed to init uid number snowflake", "error", err)
		os.Exit(1)
	}
	a.instance = snow.GenerateString()
}

func (a *App) initCache() {
	url := strings.TrimSpace(a.config.GetString("redis.url"))
	if url == "" {
		slog.Info("redis is not configured, dedupe and redis dead letters are disabled")
		return
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		slog.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Error("failed to init redis", "error", err)
		os.Exit(1)
	}

	a.cacheConn = rdb

	if a.config.GetBool("messaging.dedupe.enabled") {
		opts := []idempotency.Option{}
		if v := a.config.GetString("messaging.dedupe.prefix"); v != "" {
			opts = append(opts, idempotency.WithPrefix(v))
		}
		if v := a.config.GetSecond("messaging.dedupe.lock_seconds"); v > 0 {
			opts = append(opts, idempotency.WithLockDuration(v))
		}
		if v := a.config.GetHour("messaging.dedupe.ttl_hours"); v > 0 {
			opts = append(opts, idempotency.WithStateTTL(v))
		}
		a.dedupe = idempotency.New(rdb, opts...)
	}
}

func (a *App) initDatabase() {
	url := strings.TrimSpace(a.config.GetString("database.url"))
	if url == "" {
		slog.Info("database is not configured, postgres dead letters are disabled")
		return
	}

	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		slog.Error("failed to parse DB connection string.", "error", err)
		os.Exit(1)
	}

	if v := a.config.GetInt32("database.pool.max_conns"); v > 0 {
		config.MaxConns = v
	}
	if v := a.config.GetInt32("database.pool.min_conns"); v > 0 {
		config.MinConns = v
	}
	if v := a.config.GetSecond("database.pool.max_conn_lifetime_seconds"); v > 0 {
		config.MaxConnLifetime = v
	}
	if v := a.config.GetSecond("database.pool.max_conn_idle_seconds"); v > 0 {
		config.MaxConnIdleTime = v
	}
	if v := a.config.GetSecond("database.pool.health_check_period_seconds"); v > 0 {
		config.HealthCheckPeriod = v
	}

	pool, err := pgxpool.NewWithConfig(a.ctx, config)
	if err != nil {
		slog.Error("failed to create DB connection pool", "error", err)
		os.Exit(1)
	}

	pingCtx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		slog.Error("failed to ping DB", "error", err)
		os.Exit(1)
	}

	a.dbConn = pool
}

func (a *App) initStorage() {
	stg, err := storage.Open(a.ctx, a.config)
	if errors.Is(err, storage.ErrNoDriver) {
		slog.Info("storage is not configured, reports are written to disk")
		return
	}
	if err != nil {
		slog.Error("failed to init storage", "error", err, "driver", a.config.GetString("storage.driver"))
		os.Exit(1)
	}

	a.storage = stg
}

// initDeadLetter builds the sink chain from deadletter.sinks. Each message
// goes to the first sink that accepts it. The first listable sink serves
// the dead-letter endpoint.
func (a *App) initDeadLetter() {
	names := a.config.GetArray("deadletter.sinks")
	if len(names) == 0 {
		names = []string{"postgres", "redis", "blob", "log"}
	}

	opts := []deadletter.Option{deadletter.WithClock(a.clock)}

	sinks := make([]messaging.DeadLetterSink, 0, len(names))
	for _, name := range names {
		var sink messaging.DeadLetterSink

		switch strings.ToLower(name) {
		case "postgres":
			if a.dbConn == nil {
				continue
			}
			pg := deadletter.NewPostgres(a.dbConn, a.ins, append(opts, deadletter.WithPrefix(a.config.GetString("deadletter.postgres.table")))...)
			if err := pg.Migrate(a.ctx); err != nil {
				slog.Error("failed to migrate dead letter table", "error", err)
				os.Exit(1)
			}
			sink = pg
		case "redis":
			if a.cacheConn == nil {
				continue
			}
			sink = deadletter.NewRedisStream(a.cacheConn, a.config.GetInt64("deadletter.redis.max_len"),
				append(opts, deadletter.WithPrefix(a.config.GetString("deadletter.redis.prefix")))...)
		case "blob":
			if a.storage == nil {
				continue
			}
			sink = deadletter.NewBlob(a.storage, append(opts, deadletter.WithPrefix(a.config.GetString("deadletter.blob.prefix")))...)
		case "topic":
			sink = messaging.TopicDeadLetter{
				Publisher: publishFunc(func(ctx context.Context, topic string, key, payload []byte, headers map[string]string) (messaging.PublishResult, error) {
					return a.messaging.Publish(ctx, topic, key, payload, headers)
				}),
				Suffix: a.config.GetString("deadletter.topic.suffix"),
			}
		case "log":
			sink = messaging.LogDeadLetter{}
		default:
			slog.Error("unknown dead letter sink", "sink", name)
			os.Exit(1)
		}

		if l, ok := sink.(deadletter.Lister); ok && a.deadLetterList == nil {
			a.deadLetterList = l
		}
		sinks = append(sinks, sink)
		slog.Info("dead letter sink enabled", "sink", name)
	}

	a.deadLetter = messaging.FirstOf(sinks...)
}

type publishFunc func(ctx context.Context, topic string, key, payload []byte, headers map[string]string) (messaging.PublishResult, error)

func (f publishFunc) Publish(ctx context.Context, topic string, key, payload []byte, headers map[string]string) (messaging.PublishResult, error) {
	return f(ctx, topic, key, payload, headers)
}

func (a *App) initMessaging() {
	kind, err := messaging.ParseKind(a.config.GetString("messaging.kind"))
	if err != nil {
		slog.Error("failed to parse messaging kind", "error", err)
		os.Exit(1)
	}

	cfg := messaging.Config{
		Kind:           kind,
		URIs:           a.config.GetArray("messaging.uris"),
		MaxAttempts:    a.config.GetInt("messaging.max_attempts"),
		AckTimeout:     a.config.GetSecond("messaging.ack_timeout_seconds"),
		LaneCount:      a.config.GetInt("messaging.lanes"),
		Capacity:       a.config.GetInt("messaging.capacity"),
		PublishTimeout: a.config.GetSecond("messaging.publish_timeout_seconds"),
		AdmitTimeout:   a.config.GetSecond("messaging.admit_timeout_seconds"),
		DrainTimeout:   a.config.GetSecond("messaging.drain_timeout_seconds"),
		SweepInterval:  a.config.GetSecond("messaging.sweep_interval_seconds"),
		Group:          a.config.GetString("messaging.group"),
		Pool: messaging.PoolConfig{
			Size:             a.config.GetInt("messaging.pool.size"),
			AcquireTimeout:   a.config.GetSecond("messaging.pool.acquire_timeout_seconds"),
			HealthInterval:   a.config.GetSecond("messaging.pool.health_interval_seconds"),
			HealthTimeout:    a.config.GetSecond("messaging.pool.health_timeout_seconds"),
			FailureThreshold: a.config.GetInt("messaging.pool.failure_threshold"),
			ReconnectBudget:  a.config.GetInt("messaging.pool.reconnect_budget"),
			ReconnectBase:    a.config.GetSecond("messaging.pool.reconnect_base_seconds"),
			ReconnectCap:     a.config.GetSecond("messaging.pool.reconnect_cap_seconds"),
		},
		Backends: a.messagingBackends(kind),
	}

	if err := a.validator.Validate(cfg); err != nil {
		slog.Error("invalid messaging config", "error", err)
		os.Exit(1)
	}

	opts := []messaging.Option{
		messaging.WithDeadLetterSink(a.deadLetter),
		messaging.WithClientClock(a.clock),
		messaging.WithInstrumentation(a.ins),
	}
	if a.dedupe != nil {
		opts = append(opts, messaging.WithDedupe(a.dedupe))
	}

	client, err := messaging.New(a.ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to init messaging", "error", err, "kind", kind)
		os.Exit(1)
	}

	a.messaging = client
}

// messagingBackends reads the backend section of kind. The other sections
// stay zero.
func (a *App) messagingBackends(kind messaging.Kind) messaging.FactoryOptions {
	var fo messaging.FactoryOptions

	switch kind {
	case messaging.KindJMS:
		fo.JMS = messaging.JMSConfig{
			Addr:        a.config.GetString("messaging.jms.addr"),
			Login:       a.config.GetString("messaging.jms.login"),
			Passcode:    a.config.GetString("messaging.jms.passcode"),
			Host:        a.config.GetString("messaging.jms.host"),
			HeartBeat:   a.config.GetSecond("messaging.jms.heartbeat_seconds"),
			QueuePrefix: a.config.GetString("messaging.jms.queue_prefix"),
		}
	case messaging.KindAMQP:
		fo.AMQP = messaging.AMQPConfig{
			URL:       a.config.GetString("messaging.amqp.url"),
			Heartbeat: a.config.GetSecond("messaging.amqp.heartbeat_seconds"),
			Vhost:     a.config.GetString("messaging.amqp.vhost"),
		}
	case messaging.KindKafka:
		fo.Kafka = messaging.KafkaConfig{
			Brokers:           a.config.GetArray("messaging.kafka.brokers"),
			Partitions:        a.config.GetInt("messaging.kafka.partitions"),
			ReplicationFactor: a.config.GetInt("messaging.kafka.replication_factor"),
			AutoCreateTopics:  a.config.GetBool("messaging.kafka.auto_create_topics"),
			BatchTimeout:      a.config.GetMillisecond("messaging.kafka.batch_timeout_ms"),
			MaxWait:           a.config.GetMillisecond("messaging.kafka.max_wait_ms"),
		}
		if user := a.config.GetString("messaging.kafka.sasl.username"); user != "" {
			mechanism := plain.Mechanism{
				Username: user,
				Password: a.config.GetString("messaging.kafka.sasl.password"),
			}
			fo.Kafka.Dialer = &kafka.Dialer{
				Timeout:       a.config.GetSecond("messaging.kafka.dial_timeout_seconds"),
				DualStack:     true,
				SASLMechanism: mechanism,
			}
			fo.Kafka.Transport = &kafka.Transport{
				DialTimeout: a.config.GetSecond("messaging.kafka.dial_timeout_seconds"),
				SASL:        mechanism,
			}
		}
	case messaging.KindNSQ:
		fo.NSQ = messaging.NSQConfig{
			NSQDAddr:     a.config.GetString("messaging.nsq.nsqd_addr"),
			LookupdAddrs: a.config.GetArray("messaging.nsq.lookupd_addrs"),
			RequeueDelay: a.config.GetSecond("messaging.nsq.requeue_delay_seconds"),
			Config: func() *nsq.Config {
				cfg := nsq.NewConfig()
				if v := a.config.GetInt("messaging.nsq.max_in_flight"); v > 0 {
					cfg.MaxInFlight = v
				}
				if v := a.config.GetUint16("messaging.nsq.max_attempts"); v > 0 {
					cfg.MaxAttempts = v
				}
				if v := a.config.GetSecond("messaging.nsq.lookupd_poll_interval_seconds"); v > 0 {
					cfg.LookupdPollInterval = v
				}
				if v := a.config.GetSecond("messaging.nsq.dial_timeout_seconds"); v > 0 {
					cfg.DialTimeout = v
				}
				if v := a.config.GetSecond("messaging.nsq.read_timeout_seconds"); v > 0 {
					cfg.ReadTimeout = v
				}
				if v := a.config.GetSecond("messaging.nsq.write_timeout_seconds"); v > 0 {
					cfg.WriteTimeout = v
				}
				return cfg
			}(),
		}
	case messaging.KindNATS:
		opts := []nats.Option{
			nats.Name(a.config.GetString("messaging.nats.name")),
			nats.MaxReconnects(a.config.GetInt("messaging.nats.max_reconnects")),
			nats.RetryOnFailedConnect(a.config.GetBool("messaging.nats.retry_on_failed_connect")),
		}
		if v := a.config.GetSecond("messaging.nats.timeout_seconds"); v > 0 {
			opts = append(opts, nats.Timeout(v))
		}
		if v := a.config.GetSecond("messaging.nats.reconnect_wait_seconds"); v > 0 {
			opts = append(opts, nats.ReconnectWait(v))
		}
		if v := a.config.GetSecond("messaging.nats.ping_interval_seconds"); v > 0 {
			opts = append(opts, nats.PingInterval(v))
		}
		if user := a.config.GetString("messaging.nats.user"); user != "" {
			opts = append(opts, nats.UserInfo(user, a.config.GetString("messaging.nats.password")))
		}
		fo.NATS = messaging.NATSConfig{
			URL:       a.config.GetString("messaging.nats.url"),
			Options:   opts,
			Stream:    a.config.GetString("messaging.nats.stream"),
			AckWait:   a.config.GetSecond("messaging.nats.ack_wait_seconds"),
			FetchWait: a.config.GetSecond("messaging.nats.fetch_wait_seconds"),
		}
	case messaging.KindPubSub:
		var opts []option.ClientOption
		if v := strings.TrimSpace(a.config.GetString("messaging.pubsub.credentials_file")); v != "" {
			opts = append(opts, option.WithCredentialsFile(v))
		}
		if v := strings.TrimSpace(a.config.GetString("messaging.pubsub.endpoint")); v != "" {
			opts = append(opts, option.WithEndpoint(v), option.WithoutAuthentication())
		}
		fo.PubSub = messaging.PubSubConfig{
			ProjectID:     a.config.GetString("messaging.pubsub.project_id"),
			ClientOptions: opts,
		}
	case messaging.KindMemory:
	}

	return fo
}

func (a *App) initHTTPServer() {
	a.router = router.NewRouter(router.Config{
		Config:     a.config,
		UUID:       a.uuid,
		Instrument: a.ins,
	})
	a.registerSystemEndpoints()

	routerWithCORS := cors.New(cors.Options{
		AllowedOrigins: a.config.GetArray("app.server.cors"),
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(a.router)

	a.httpServer = &http.Server{
		Addr:              a.config.GetString("app.server.http.address"),
		Handler:           routerWithCORS,
		ReadTimeout:       a.config.GetSecond("app.server.http.read_timeout_seconds"),
		ReadHeaderTimeout: a.config.GetSecond("app.server.http.read_header_timeout_seconds"),
		WriteTimeout:      a.config.GetSecond("app.server.http.write_timeout_seconds"),
		IdleTimeout:       a.config.GetSecond("app.server.http.idle_timeout_seconds"),
	}
}

func (a *App) initClosers() {
	a.closers = []struct {
		name string
		fn   func(context.Context) error
	}{
		{
			name: "Messaging",
			fn: func(context.Context) error {
				return a.messaging.Close()
			},
		},
		{
			name: "Redis",
			fn: func(context.Context) error {
				if a.cacheConn == nil {
					return nil
				}
				return a.cacheConn.Close()
			},
		},
		{
			name: "Database",
			fn: func(context.Context) error {
				if a.dbConn != nil {
					a.dbConn.Close()
				}
				return nil
			},
		},
		{
			name: "Storage",
			fn: func(context.Context) error {
				if a.storage == nil {
					return nil
				}
				return a.storage.Close()
			},
		},
		{
			name: "Instrument",
			fn: func(ctx context.Context) error {
				return a.ins.Shutdown(ctx)
			},
		},
		{
			name: "Config",
			fn: func(context.Context) error {
				return a.config.Close()
			},
		},
	}
}
