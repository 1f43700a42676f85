package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"multirubro/internal/automation"
	"multirubro/internal/config"
	"multirubro/internal/db"
	"multirubro/internal/discovery"
	"multirubro/internal/engine"
	"multirubro/internal/influx"
	"multirubro/internal/ingest"
	"multirubro/internal/mqtt"
	"multirubro/internal/redis"
	"multirubro/internal/scheduler"
	"multirubro/internal/seed"
	"multirubro/internal/taskqueue"
	"multirubro/internal/utils"
	"multirubro/internal/valuestore"
	"multirubro/internal/web"
	"multirubro/internal/web/api"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := utils.InitLogging(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to init logging: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalw("Engine stopped with error", "error", err)
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	dbConn, err := db.NewDB(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	if err := dbConn.EnsureSchema(ctx); err != nil {
		return err
	}

	presets, err := seed.Load(cfg.RulesSeedFile)
	if err != nil {
		return err
	}
	if _, err := seed.Apply(ctx, dbConn, presets, logger); err != nil {
		return err
	}

	redisClient := redis.NewRedisClient(cfg.RedisAddr)
	defer redisClient.Close()

	checks := map[string]api.HealthCheck{
		"database": dbConn.Ping,
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}

	// Latest values come from Postgres unless InfluxDB is the configured backend
	var (
		backend      valuestore.Backend = dbConn
		ingestOpts   []ingest.Option
		influxClient *influx.Client
	)
	if cfg.InfluxURL != "" {
		influxClient, err = influx.Connect(ctx, influx.Config{
			URL:      cfg.InfluxURL,
			Token:    cfg.InfluxToken,
			Org:      cfg.InfluxOrg,
			Bucket:   cfg.InfluxBucket,
			Lookback: cfg.LatestValueTTL,
		})
		if err != nil {
			return err
		}
		defer influxClient.Close()
		ingestOpts = append(ingestOpts, ingest.WithSeries(influxClient))
		checks["influx"] = influxClient.HealthCheck
		if cfg.ValueBackend == config.BackendInflux {
			backend = influxClient
		}
	}

	values := valuestore.New(
		redis.NewLatestCache(redisClient, cfg.LatestValueTTL),
		backend,
		valuestore.DefaultSettings(cfg.ValueBackend),
		logger,
	)
	ingestOpts = append(ingestOpts, ingest.WithCache(values))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mqttClient, err := mqtt.NewMQTTClient(ctx, cfg.MQTTBroker, cfg.MQTTClientID, logger)
	if err != nil {
		return err
	}
	defer mqttClient.Disconnect(250)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer asynqClient.Close()

	dispatcher := automation.NewDispatcher(
		dbConn,
		dbConn,
		mqtt.NewCommandPublisher(mqttClient, 5*time.Second),
		taskqueue.NewEnqueuer(asynqClient, logger),
		logger,
		logger,
	)

	var locker engine.Locker = engine.NewKeyedMutex()
	var lockLease time.Duration
	if cfg.RuleLockMode == config.LockRedis {
		locker = redis.NewRuleLocker(redisClient, cfg.RuleLockTTL, logger)
		lockLease = cfg.RuleLockLease()
	}
	eng := engine.NewEngine(dbConn, values, dispatcher, logger,
		engine.WithLocker(locker),
		engine.WithLockLease(lockLease),
		engine.WithResolverTimeout(cfg.ResolverTimeout),
		engine.WithMetrics(engine.NewMetrics(registry)),
	)
	if _, err := eng.RefreshRules(ctx); err != nil {
		return err
	}

	ingestSvc := ingest.NewService(dbConn, eng, logger, ingestOpts...)

	subscriber := mqtt.NewSubscriber(mqttClient, cfg.MQTTReadingsTopic, ingestSvc.Handle, logger)
	if err := subscriber.Start(); err != nil {
		return err
	}
	defer subscriber.Stop()

	worker := taskqueue.NewWorker(cfg.RedisAddr, cfg.WorkerConcurrency, taskqueue.NewLogGateway(logger), logger)
	if err := worker.Start(); err != nil {
		return err
	}
	defer worker.Stop()

	sched := scheduler.NewScheduler(30*time.Second, logger)
	if err := sched.AddJob(scheduler.JobRuleRefresh, cfg.RuleRefreshSpec, scheduler.RuleRefreshJob(eng, logger)); err != nil {
		return err
	}
	if err := sched.AddJob(scheduler.JobOfflineSweep, cfg.DeviceOfflineSpec,
		scheduler.OfflineSweepJob(dbConn, cfg.DeviceOfflineAge, nil, logger)); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if cfg.MDNSName != "" {
		conn, err := discovery.Advertise(cfg.MDNSName, logger)
		if err != nil {
			logger.Warnw("mDNS advertising disabled", "error", err)
		} else {
			defer conn.Close()
		}
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	webServer := web.NewWebServer(cfg.HTTPAddr, web.Dependencies{
		Ingester: ingestSvc,
		Rules:    dbConn,
		Engine:   eng,
		Alerts:   dbConn,
		Devices:  dbConn,
		Checks:   checks,
		Gatherer: registry,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(webServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return webServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
