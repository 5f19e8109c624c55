package main

import (
	"context"
	"time"

	"github.com/Shopify/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"joingate/data/database/mgo/mongoutil"
	"joingate/global/config"
	"joingate/logger"
	"joingate/module/admission"
	"joingate/module/federation"
	"joingate/module/moderation"
	"joingate/module/policy"
	"joingate/service/api"
	"joingate/service/kafka"
	"joingate/service/metrics"
	"joingate/service/mgo"
	"joingate/service/natsx"
	"joingate/service/platform"
	"joingate/service/platform/natsplatform"
	"joingate/service/storage/pg"
	jgredis "joingate/service/storage/redis"
	"joingate/tools/errs"
	"joingate/tools/ids"
)

// app holds every wired dependency of one process.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	nats     *natsx.Client
	platform platform.ChatPlatform
	rdb      *goredis.Client

	store    admission.Store
	sessions admission.SessionStore
	policies policy.Store
	feds     federation.Store
	warnings moderation.WarningStore
	auditor  admission.Auditor

	health  map[string]api.HealthCheck
	closers []func()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, errs.ErrConfig.WrapMsg(err.Error())
	}
	ids.SetNodeID(cfg.NodeID)
	return cfg, nil
}

// build connects everything the gate needs. Callers must call close.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      logger.Named(programName),
		registry: prometheus.NewRegistry(),
		health:   make(map[string]api.HealthCheck),
	}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if err := a.connectPlatform(); err != nil {
		return nil, err
	}
	if err := a.connectStore(ctx); err != nil {
		return nil, err
	}
	a.connectMongo(ctx)
	a.connectAudit()
	ok = true
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) connectPlatform() error {
	if a.cfg.NatsURL == "" {
		return errs.ErrConfig.WrapMsg("NATS_URL is required: the chat platform is reached over NATS")
	}
	client, err := natsx.Connect(natsx.Config{URL: a.cfg.NatsURL, Name: programName}, logger.Named("nats"))
	if err != nil {
		return err
	}
	a.nats = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.platform = natsplatform.New(client.Conn(), a.cfg.NatsPlatformSubject)
	a.health["nats"] = func(context.Context) error {
		if !client.Conn().IsConnected() {
			return errs.ErrInternal.WrapMsg("nats disconnected")
		}
		return nil
	}
	return nil
}

func (a *app) connectRedis(ctx context.Context) (*goredis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb, err := jgredis.Connect(ctx, jgredis.Config{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	a.rdb = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	a.health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	return rdb, nil
}

func (a *app) connectStore(ctx context.Context) error {
	switch a.cfg.StoreBackend {
	case config.StoreRedis:
		rdb, err := a.connectRedis(ctx)
		if err != nil {
			return err
		}
		a.store = jgredis.NewPendingStore(rdb)
		a.sessions = jgredis.NewSessionStore(rdb, a.cfg.CaptchaTTL+a.cfg.SweepInterval)
	case config.StorePostgres:
		pool, err := pg.Connect(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		a.health["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
		a.store = pg.NewStore(pool)
		a.sessions = admission.NewMemSessions()
	default:
		a.store = admission.NewMemStore()
		a.sessions = admission.NewMemSessions()
	}
	a.log.Info("pending store ready", zap.String("backend", a.cfg.StoreBackend))
	return nil
}

// connectMongo starts the background connection. Stores report ErrNotReady
// until the first connect succeeds.
func (a *app) connectMongo(ctx context.Context) {
	if a.cfg.MongoURI == "" {
		a.policies = policy.NewMemStore()
		a.feds = federation.NewMemStore()
		a.warnings = moderation.NewMemWarnings()
		return
	}
	mgo.StartAsync(ctx, &mongoutil.Config{Uri: a.cfg.MongoURI, Database: a.cfg.MongoDatabase})
	db := mgo.Manager().DB
	a.policies = policy.NewMongoStore(db)
	a.feds = federation.NewMongoStore(db)
	a.warnings = moderation.NewMongoWarnings(db)
	a.health["mongo"] = func(context.Context) error {
		_, err := db()
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := mgo.Manager().WaitReady(waitCtx); err != nil {
		a.log.Warn("mongo not ready yet, continuing", zap.Error(err))
		a.diagnoseMongo(ctx)
	}
}

// diagnoseMongo runs one direct connect and ping so the log carries the
// underlying failure instead of only the readiness timeout.
func (a *app) diagnoseMongo(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cfg := &mongoutil.Config{Uri: a.cfg.MongoURI, Database: a.cfg.MongoDatabase}
	if err := mongoutil.Check(checkCtx, cfg); err != nil {
		a.log.Error("mongo diagnostic failed", zap.Error(err))
		return
	}
	a.log.Info("mongo diagnostic ok, background connect still pending")
}

// connectAudit wires the Kafka audit trail. Without brokers audit is off.
func (a *app) connectAudit() {
	a.auditor = logAuditor{log: logger.Named("audit")}
	if len(a.cfg.KafkaBrokers) == 0 {
		return
	}
	kc := a.kafkaConfig()
	client, err := kafka.Dial(kc)
	if err != nil {
		a.log.Warn("kafka unavailable, audit goes to the log", zap.Error(err))
		return
	}
	if admin, err := sarama.NewClusterAdminFromClient(client); err == nil {
		if err := kafka.EnsureTopic(admin, kc, logger.Named("kafka")); err != nil {
			a.log.Warn("ensure audit topic failed", zap.Error(err))
		}
	}
	auditor, err := kafka.NewAuditorFromClient(client, kc.Topic, logger.Named("audit"))
	if err != nil {
		_ = client.Close()
		a.log.Warn("kafka producer failed, audit goes to the log", zap.Error(err))
		return
	}
	a.auditor = auditor
	a.closers = append(a.closers, func() {
		_ = auditor.Close()
		_ = client.Close()
	})
}

func (a *app) kafkaConfig() kafka.Config {
	return kafka.Config{
		Brokers: a.cfg.KafkaBrokers,
		Topic:   a.cfg.KafkaAuditTopic,
		GroupID: programName + "-audit-tail",
	}.Defaults()
}

func (a *app) controller() (*admission.Controller, error) {
	return admission.NewController(admission.Config{
		TTL:         a.cfg.CaptchaTTL,
		MaxAttempts: a.cfg.MaxAttempts,
		Cooldown:    a.cfg.Cooldown,
		VerifiedTTL: a.cfg.VerifiedTTL,
	}, a.store, a.sessions, a.policies, a.platform,
		admission.WithLogger(logger.Named("admission")),
		admission.WithMetrics(a.metrics),
		admission.WithAuditor(a.auditor),
	)
}

func (a *app) sweeper() *admission.Sweeper {
	return admission.NewSweeper(a.store, a.sessions, a.platform, a.cfg.SweepInterval, a.cfg.SweepPageSize,
		admission.SweepWithLogger(logger.Named("sweeper")),
		admission.SweepWithMetrics(a.metrics),
		admission.SweepWithAuditor(a.auditor),
	)
}

func (a *app) moderator() *moderation.Moderator {
	fanout := federation.NewExecutor(a.cfg.FanoutWorkers,
		federation.WithLogger(logger.Named("fanout")),
		federation.WithMetrics(a.metrics),
	)
	return moderation.New(a.platform, a.policies, a.feds, a.warnings, fanout, a.cfg.BotUserID,
		moderation.WithLogger(logger.Named("moderation")),
		moderation.WithAuditor(a.auditor),
		moderation.WithBotUsername(a.cfg.BotUsername),
	)
}

// logAuditor keeps the audit trail in the process log when Kafka is off.
type logAuditor struct{ log *zap.Logger }

func (l logAuditor) Record(_ context.Context, ev admission.AuditEvent) {
	l.log.Info("audit",
		zap.String("id", ev.ID),
		zap.String("kind", ev.Kind),
		zap.Int64("chat_id", ev.ChatID),
		zap.Int64("user_id", ev.UserID),
		zap.String("detail", ev.Detail),
	)
}
