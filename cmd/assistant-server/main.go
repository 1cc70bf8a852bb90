// cmd/assistant-server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"qms-assistant/internal/api"
	"qms-assistant/internal/assistant"
	"qms-assistant/internal/common/auth"
	"qms-assistant/internal/common/camunda"
	"qms-assistant/internal/common/config"
	"qms-assistant/internal/common/database"
	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/common/metrics"
	"qms-assistant/internal/common/observability"
	"qms-assistant/internal/engine/dictionary"
	"qms-assistant/internal/engine/executor"
	"qms-assistant/internal/engine/extractor"
	"qms-assistant/internal/engine/matcher"
	"qms-assistant/internal/engine/resultcache"
	"qms-assistant/internal/engine/rules"
	"qms-assistant/internal/engine/scope"
	"qms-assistant/internal/models"

	aq "qms-assistant/internal/workers/assistant/answer-question"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting assistant server...", zap.String("version", cfg.App.Version), zap.String("environment", cfg.App.Environment))

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	engineCfg := cfg.Engine

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	pg.WithMaxRows(engineCfg.Executor.MaxRows)
	checks := map[string]api.ReadinessCheck{"postgres": pg.Ping}
	zapLog.Info("PostgreSQL connected successfully")

	if engineCfg.Rules.Migrate {
		if err := database.RunMigrations(cfg.Database.Postgres, engineCfg.Rules.MigrationsPath, log); err != nil {
			zapLog.Fatal("migrations failed", zap.Error(err))
		}
	}

	// --- Engine ---
	dicts, err := dictionary.Load(engineCfg.DictionariesPath)
	if err != nil {
		zapLog.Fatal("dictionaries load failed", zap.Error(err))
	}
	zapLog.Info("Dictionaries loaded", zap.String("version", dicts.Version()))

	var source rules.Source
	switch engineCfg.Rules.Source {
	case "postgres":
		source = rules.NewPostgresSource(pg.GetDB())
	default:
		source = rules.NewFileSource(engineCfg.Rules.Path)
	}

	var repoOpts []rules.Option
	var notifier *rules.RedisNotifier
	var redisClient *database.RedisClient
	if engineCfg.Rules.NotifyChannel != "" {
		err = retryWithBackoff(func() error {
			var err error
			redisClient, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return redisClient.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = redisClient.Ping
		notifier = rules.NewRedisNotifier(redisClient.GetClient(), engineCfg.Rules.NotifyChannel, log)
		repoOpts = append(repoOpts, rules.WithPublisher(notifier))
		zapLog.Info("Redis connected successfully")
	}

	repo := rules.NewRepository(source, log, repoOpts...)

	ambiguityLog := log.WithFields(map[string]interface{}{"component": "extractor"})
	extract := extractor.New(dicts, extractor.WithAmbiguityHook(extractor.LogAmbiguity(ambiguityLog)))

	cache := resultcache.New(cacheConfig(engineCfg.Cache), resultcache.WithObserver(func(event string, n int) {
		metrics.CacheEvents.WithLabelValues(event).Add(float64(n))
	}))
	cache.Start(ctx)
	defer cache.Stop()

	var telemetry assistant.Recorder
	if engineCfg.Telemetry.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		recorder := assistant.NewIndexRecorder(esClient, engineCfg.Telemetry.Index, engineCfg.Telemetry.BufferSize, log)
		defer recorder.Close()
		telemetry = recorder
		zapLog.Info("Elasticsearch connected successfully")
	}

	svc := assistant.New(assistant.Deps{
		Extractor: extract,
		Analyzer:  scope.NewAnalyzer(dicts, confidenceWeights(engineCfg.Confidence)),
		Rules:     repo,
		Matcher:   matcher.New(matcherWeights(engineCfg.Matcher)),
		Executor: executor.New(pg, executor.Config{
			Timeout:               config.GetDuration(engineCfg.Executor.Timeout),
			DisableInjectionCheck: engineCfg.Executor.DisableInjectionCheck,
		}, log),
		Cache:     cache,
		Telemetry: telemetry,
		Obs:       obs,
	}, log)

	report, err := repo.Load(ctx)
	if err != nil {
		zapLog.Fatal("initial rule load failed", zap.Error(err))
	}
	zapLog.Info("Rules loaded", zap.Int("active", report.Active), zap.Int("rejected", len(report.Rejected)))

	// --- Rule refresh ---
	repo.StartPeriodicReload(ctx, config.GetDuration(engineCfg.Rules.ReloadInterval))
	if fs, ok := source.(*rules.FileSource); ok && engineCfg.Rules.Watch {
		if err := repo.WatchFile(ctx, fs.Path(), 500*time.Millisecond); err != nil {
			zapLog.Error("rule file watch failed", zap.Error(err))
		}
	}
	if notifier != nil {
		if err := notifier.Listen(ctx, repo); err != nil {
			zapLog.Error("rule change subscription failed", zap.Error(err))
		}
	}

	// --- Zeebe worker ---
	var workers []*camunda.CamundaWorker
	if cfg.Camunda.Enabled {
		var zeebe *camunda.Client
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClient(cfg.Camunda.BrokerAddress, config.GetDuration(cfg.Camunda.RequestTimeout))
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		defer zeebe.Close()
		checks["zeebe"] = zeebe.HealthCheck
		zapLog.Info("Zeebe client connected successfully")

		wcfg := config.GetWorkerConfig(cfg, aq.TaskType)
		if w := startWorker(zeebe, aq.TaskType, wcfg, aq.NewHandler(&aq.Config{
			Timeout: config.GetDuration(wcfg.Timeout),
			MaxRows: aq.LoadConfig().MaxRows,
		}, svc, zeebe, log), log); w != nil {
			workers = append(workers, w)
		}
	}

	// --- HTTP server ---
	var guard api.TokenIntrospector
	if kc := cfg.Auth.Keycloak; kc.Enabled {
		guard = auth.NewKeycloakClient(kc.URL, kc.Realm, kc.ClientID, kc.ClientSecret)
	}
	server := &http.Server{
		Addr: cfg.Server.Address,
		Handler: api.NewRouter(svc, guard, api.Config{
			RequestTimeout:  config.GetDuration(cfg.Server.WriteTimeout),
			AdminRole:       cfg.Auth.Keycloak.AdminRole,
			ReadinessChecks: checks,
		}, log),
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout) + time.Second,
	}
	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	zapLog.Info("Shutdown signal received, stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down HTTP server", zap.Error(err))
	}
	for _, w := range workers {
		w.Stop()
	}
	stop()

	zapLog.Info("Assistant server stopped gracefully")
}

func startWorker(client *camunda.Client, taskType string, wcfg config.WorkerConfig, handler camunda.JobHandler, log logger.Logger) *camunda.CamundaWorker {
	if !wcfg.Enabled {
		log.Info("worker disabled", map[string]interface{}{"taskType": taskType})
		return nil
	}
	return camunda.NewWorker(client.GetClient(), taskType, wcfg, handler, log)
}

func cacheConfig(c config.CacheConfig) resultcache.Config {
	strategies := resultcache.DefaultStrategies()
	for category, s := range c.Strategies {
		strategies[models.Category(category)] = resultcache.Strategy{
			TTL:      config.GetDuration(s.TTL),
			Priority: s.Priority,
		}
	}
	return resultcache.Config{
		Capacity:      c.Capacity,
		EvictFraction: c.EvictFraction,
		SweepInterval: config.GetDuration(c.SweepInterval),
		SingleFlight:  c.SingleFlight,
		Strategies:    strategies,
	}
}

func matcherWeights(c config.MatcherConfig) matcher.Weights {
	return matcher.Weights{
		TriggerBase:    c.TriggerBase,
		TriggerPerRune: c.TriggerPerRune,
		CategoryBonus:  c.CategoryBonus,
		EntityBonus:    c.EntityBonus,
		MinScore:       c.MinScore,
	}
}

func confidenceWeights(c config.ConfidenceConfig) scope.Weights {
	return scope.Weights{
		DomainBase:    c.DomainBase,
		PerEntity:     c.PerEntity,
		EntityCap:     c.EntityCap,
		StrategyBonus: c.StrategyBonus,
	}
}
