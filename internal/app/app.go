package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/config"
	outboxApp "github.com/davicafu/fleetguard/internal/outbox/application"
	outboxDomain "github.com/davicafu/fleetguard/internal/outbox/domain"
	outboxHttp "github.com/davicafu/fleetguard/internal/outbox/infra/inbound/http"
	"github.com/davicafu/fleetguard/internal/outbox/infra/outbound/analytics/clickhouse"
	"github.com/davicafu/fleetguard/internal/outbox/infra/outbound/changefeed"
	outboxStore "github.com/davicafu/fleetguard/internal/outbox/infra/outbound/db/sqlstore"
	redisLedger "github.com/davicafu/fleetguard/internal/outbox/infra/outbound/ledger/redis"
	rollbackApp "github.com/davicafu/fleetguard/internal/rollback/application"
	rollbackHttp "github.com/davicafu/fleetguard/internal/rollback/infra/inbound/http"
	rollbackStore "github.com/davicafu/fleetguard/internal/rollback/infra/outbound/db/sqlstore"
	"github.com/davicafu/fleetguard/internal/rollback/infra/outbound/devices"
	sagaApp "github.com/davicafu/fleetguard/internal/saga/application"
	sagaDomain "github.com/davicafu/fleetguard/internal/saga/domain"
	sagaHttp "github.com/davicafu/fleetguard/internal/saga/infra/inbound/http"
	sagaArchive "github.com/davicafu/fleetguard/internal/saga/infra/outbound/archive/mongodb"
	sagaStore "github.com/davicafu/fleetguard/internal/saga/infra/outbound/db/sqlstore"
	infraEvents "github.com/davicafu/fleetguard/internal/shared/infra/events"
	infraCache "github.com/davicafu/fleetguard/internal/shared/infra/platform/cache"
	sharedBus "github.com/davicafu/fleetguard/shared/platform/bus"
	sharedCache "github.com/davicafu/fleetguard/shared/platform/cache"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
	sharedUtils "github.com/davicafu/fleetguard/shared/utils"
)

// App agrupa las dependencias ya conectadas. New no arranca nada en segundo
// plano; eso lo hace Start.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *sql.DB
	dialect persistence.Dialect

	sagas      *sagaStore.SagaStore
	outbox     *outboxStore.OutboxStore
	executions *rollbackStore.ExecutionStore
	analytics  *clickhouse.DeliveryLog // nil sin ClickHouse

	Orchestrator *sagaApp.Orchestrator
	DeadLetters  *sagaApp.DeadLetterService
	Publisher    *outboxApp.Publisher
	Outbox       *outboxApp.OutboxService
	Rollbacks    *rollbackApp.RollbackService

	// closers se ejecutan en orden inverso en Close.
	closers []func() error
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

func (a *App) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	// ---------------- DB ----------------
	dialect, err := persistence.ParseDialect(cfg.DBDriver)
	if err != nil {
		return err
	}
	db, err := persistence.Open(ctx, dialect, cfg.DBDSN)
	if err != nil {
		return err
	}
	a.db, a.dialect = db, dialect
	a.onClose(db.Close)

	notifyChannel := ""
	if dialect == persistence.Postgres {
		notifyChannel = cfg.Outbox.NotifyChannel
	}
	a.sagas = sagaStore.NewSagaStore(db, dialect)
	a.outbox = outboxStore.NewOutboxStore(db, dialect, notifyChannel)
	a.executions = rollbackStore.NewExecutionStore(db, dialect)

	// ---------------- Redis: ledger + cache ----------------
	var ledger outboxDomain.Ledger = outboxStore.NewLedgerStore(db, dialect)
	var detailCache sharedCache.Cache
	if rdb := a.connectRedis(ctx); rdb != nil {
		ledger = redisLedger.NewLedger(rdb)
		detailCache = infraCache.NewRedisCache(rdb, "fleetguard:saga:", cfg.CacheTTL)
	} else {
		mem := infraCache.NewInMemoryCache(cfg.CacheTTL, 3*cfg.CacheTTL)
		a.onClose(func() error { mem.Stop(); return nil })
		detailCache = mem
	}

	// ---------------- Bus ----------------
	var bus sharedBus.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		log.Info("🚀 Usando Kafka como bus del outbox", zap.Strings("brokers", cfg.KafkaBrokers))
		kp := infraEvents.NewKafkaPublisher(infraEvents.NewKafkaWriter(cfg.KafkaBrokers), log)
		a.onClose(kp.Close)
		bus = kp
	} else {
		log.Info("⚡️ Usando bus del outbox en memoria")
		bus = infraEvents.NewInMemoryEventBus()
	}

	// ---------------- Outbox ----------------
	var extra []outboxApp.Runner
	var recorder outboxDomain.DeliveryRecorder
	if cfg.ClickHouseAddr != "" {
		chdb, err := clickhouse.Open(cfg.ClickHouseAddr, cfg.ClickHouseDB)
		if err != nil {
			return err
		}
		a.onClose(chdb.Close)
		a.analytics = clickhouse.NewDeliveryLog(chdb)
		buffered := outboxApp.NewBufferedRecorder(a.analytics, cfg.Outbox.AnalyticsBatch, cfg.Outbox.AnalyticsFlushIn, log)
		recorder = buffered
		extra = append(extra, buffered)
		log.Info("📊 Analítica de entregas en ClickHouse", zap.String("addr", cfg.ClickHouseAddr))
	}

	var (
		feed     outboxDomain.ChangeFeed
		notifier outboxDomain.ChangeNotifier
	)
	if dialect == persistence.Postgres {
		feed = changefeed.NewPostgresFeed(cfg.DBDSN, cfg.Outbox.NotifyChannel, log)
	} else {
		inproc := changefeed.NewInProcessFeed(0)
		feed, notifier = inproc, inproc
	}

	processors := outboxApp.NewProcessorRegistry("fleetguard")
	resolver := outboxApp.NewRoutingResolver(a.outbox, log)
	stats := outboxApp.NewStats()
	dedup := outboxApp.NewDeduplicator(ledger, cfg.Outbox.ConsumerGroup, cfg.Outbox.DedupTTL)
	deliverer := outboxApp.NewDeliverer(a.outbox, resolver, processors, dedup, recorder, stats, outboxApp.DeliveryConfig{
		TopicPrefix:    cfg.KafkaTopicPrefix,
		Timeout:        cfg.Outbox.DeliveryTimeout,
		RetryBaseDelay: cfg.Outbox.RetryBaseDelay,
		RetryMaxDelay:  cfg.Outbox.RetryMaxDelay,
	}, log)
	cdc := outboxApp.NewCDCSubscriber(feed, deliverer, resolver, bus, outboxApp.CDCConfig{
		Workers:      cfg.Outbox.CDCWorkers,
		FailureLimit: uint32(cfg.Outbox.CDCFailureLimit),
		OpenTimeout:  cfg.Outbox.CDCOpenTimeout,
	}, log)
	sweeper := outboxApp.NewPollingSweeper(a.outbox, resolver, deliverer, bus, cdc.Healthy, outboxApp.SweepConfig{
		Interval:    cfg.Outbox.PollInterval,
		BatchSize:   cfg.Outbox.BatchSize,
		GracePeriod: cfg.Outbox.CDCGracePeriod,
	}, log)
	janitor := outboxApp.NewJanitor(a.outbox, dedup, cfg.Outbox.JanitorInterval, cfg.Outbox.StuckAfter, log)
	a.Publisher = outboxApp.NewPublisher(resolver, cdc, sweeper, janitor, stats, log, extra...)

	serviceOpts := []outboxApp.ServiceOption{outboxApp.WithDefaultMaxRetries(cfg.Outbox.MaxRetries)}
	if notifier != nil {
		serviceOpts = append(serviceOpts, outboxApp.WithNotifier(notifier))
	}
	a.Outbox = outboxApp.NewOutboxService(a.outbox, a.outbox, processors, a.Publisher, log, serviceOpts...)

	// ---------------- Sagas ----------------
	orchOpts := []sagaApp.Option{sagaApp.WithDetailCache(detailCache, cfg.CacheTTL)}
	if cfg.MongoURI != "" {
		archive, err := a.connectArchive(ctx)
		if err != nil {
			return err
		}
		orchOpts = append(orchOpts, sagaApp.WithArchiver(archive))
	}

	registry := sagaDomain.NewRegistry()
	executor := sagaApp.NewStepExecutor(a.sagas, sagaApp.ExecutorConfig{
		Retry: sharedUtils.RetryPolicy{
			MaxRetries: cfg.Saga.MaxRetries,
			BaseDelay:  cfg.Saga.BaseDelay,
			MaxDelay:   cfg.Saga.MaxDelay,
		},
		Timeout: cfg.Saga.StepTimeout,
	}, log)
	a.Orchestrator = sagaApp.NewOrchestrator(registry, a.sagas, a.sagas, executor, log, orchOpts...)
	a.DeadLetters = sagaApp.NewDeadLetterService(a.sagas, a.Orchestrator, log)

	// ---------------- Rollback ----------------
	inventory := devices.NewInMemoryRegistry()
	if cfg.DeviceInventory != "" {
		if inventory, err = devices.LoadFile(cfg.DeviceInventory); err != nil {
			return err
		}
		log.Info("📦 Inventario de dispositivos cargado", zap.String("path", cfg.DeviceInventory))
	}
	rollbackSaga := rollbackApp.NewRollbackSaga(a.executions, a.executions, inventory, a.Outbox, rollbackApp.SagaConfig{
		SagaTimeout:  cfg.Saga.Timeout,
		ApplyTimeout: cfg.Saga.ApplyTimeout,
	}, log)
	if err := rollbackSaga.Register(registry); err != nil {
		return err
	}
	a.Rollbacks = rollbackApp.NewRollbackService(a.executions, a.Orchestrator, log,
		rollbackApp.WithDefaultBatchSize(cfg.Saga.BatchSize))
	return nil
}

// connectRedis devuelve nil si no hay dirección o Redis no responde; en ese
// caso se usan el ledger SQL y la caché en memoria.
func (a *App) connectRedis(ctx context.Context) *redis.Client {
	if a.cfg.RedisAddr == "" {
		a.log.Info("Redis no configurado: ledger SQL y caché en memoria")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		a.log.Warn("⚠️ Redis no disponible, ledger SQL y caché en memoria", zap.Error(err))
		rdb.Close()
		return nil
	}
	a.onClose(rdb.Close)
	a.log.Info("✅ Redis conectado", zap.String("addr", a.cfg.RedisAddr))
	return rdb
}

func (a *App) connectArchive(ctx context.Context) (*sagaArchive.SagaArchiveMongoDB, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	a.onClose(func() error { return client.Disconnect(context.Background()) })
	archive, err := sagaArchive.NewSagaArchiveMongoDB(ctx, client, a.cfg.MongoDatabase)
	if err != nil {
		return nil, err
	}
	a.log.Info("🗄️ Archivo de sagas en MongoDB", zap.String("database", a.cfg.MongoDatabase))
	return archive, nil
}

// Migrate crea las tablas de los tres contextos.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.sagas.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sagas: %w", err)
	}
	if err := a.outbox.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	if err := a.executions.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate rollbacks: %w", err)
	}
	if a.analytics != nil {
		if err := a.analytics.InitSchema(ctx); err != nil {
			return fmt.Errorf("migrate delivery analytics: %w", err)
		}
	}
	return nil
}

// Start lanza el publicador y retoma las sagas que quedaron a medias.
func (a *App) Start(ctx context.Context) error {
	if err := a.Publisher.Start(ctx); err != nil {
		return err
	}
	n, err := a.Orchestrator.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recovering sagas: %w", err)
	}
	if n > 0 {
		a.log.Info("🔁 Sagas en curso retomadas", zap.Int("count", n))
	}
	return nil
}

// Router monta la API bajo /api y el /health.
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	sagaHttp.RegisterSagaRoutes(api, sagaHttp.NewSagaHandler(a.Orchestrator, a.DeadLetters))
	rollbackHttp.RegisterRollbackRoutes(api, rollbackHttp.NewRollbackHandler(a.Rollbacks))
	outboxHttp.RegisterOutboxRoutes(api, outboxHttp.NewOutboxHandler(a.Outbox))

	router.GET("/health", a.health)
	return router
}

func (a *App) health(c *gin.Context) {
	st := a.Publisher.Status()
	body := gin.H{
		"status":     "ok",
		"publisher":  st.IsRunning,
		"cdcHealthy": st.CDCHealthy,
		"cdcState":   st.CDCState,
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		body["status"] = "degraded"
		body["database"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// Serve atiende HTTP hasta que ctx se cancela y luego apaga en orden:
// servidor, publicador y sagas en curso.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.cfg.HTTPPort,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("🚀 Server running", zap.String("url", "http://localhost:"+a.cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("🛑 Apagando...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.Publisher.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("publisher stop: %w", err))
	}
	if err := a.Orchestrator.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("saga shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// Close libera las conexiones en orden inverso al de apertura.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
