// Command engine is the execution engine's composition root: it loads
// configuration, wires every C1-C8 collaborator (registry, scheduler,
// worker pool, dispatcher, result manager, monitoring, persistence, event
// publisher) into the C9 facade, serves it over HTTP, and shuts down
// gracefully on SIGINT/SIGTERM. Grounded on the teacher's
// cmd/services/api/main.go entry-point shape (load config, build deps,
// start server, wait on signal, shutdown with timeout) with the DI
// container dropped in favor of explicit construction here.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stepflow/execengine/internal/credential"
	"github.com/stepflow/execengine/internal/engine"
	"github.com/stepflow/execengine/internal/httpapi"
	"github.com/stepflow/execengine/internal/platform/config"
	"github.com/stepflow/execengine/internal/platform/database"
	"github.com/stepflow/execengine/internal/platform/logger"
)

func main() {
	cfg, err := config.Load("engine")
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	log := logger.New(cfg.Logger)

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	registry := engine.NewPostgresRegistry(db.DB)
	store := engine.NewPostgresExecutionRepository(db.DB)

	encryptor, err := credential.NewEncryptor(credential.DefaultEncryptionConfig())
	if err != nil {
		log.Fatal("failed to build credential encryptor", "error", err)
	}
	secretStore := engine.NewInMemorySecretStore()
	secrets := engine.NewSecretResolver(secretStore, encryptor)

	ceilings := engine.StaticCeilingProvider{Ceiling: defaultTenantCeiling()}
	policy := engine.NewPolicy(ceilings)

	backends := buildBackendRegistry(cfg.Backends, log)
	pool := engine.NewSandboxPool(backends, 64)

	metrics := engine.NewPrometheusMetrics("execengine")
	monitor := engine.NewStandardMonitoring(metrics, buildViolationStore(cfg.ViolationStore, store, log))
	events := buildEventPublisher(cfg.Kafka, log)
	defer events.Close()
	archiver := buildArchiver(cfg.Archive, log)
	dispatcher := engine.NewDispatcher(registry, policy, pool, secrets, monitor, events, archiver, engine.IsolationProcess)

	results := buildResultManager(cfg.ResultManager, cfg.Redis, store)

	workerCfg := &engine.PoolConfig{
		MinWorkers:         cfg.WorkerPool.MinWorkers,
		MaxWorkers:         cfg.WorkerPool.MaxWorkers,
		IdleTimeout:        cfg.WorkerPool.IdleTimeout,
		QueueSize:          cfg.WorkerPool.QueueSize,
		EnableAutoScaling:  cfg.WorkerPool.EnableAutoScaling,
		ScaleUpThreshold:   cfg.WorkerPool.ScaleUpThreshold,
		ScaleDownThreshold: cfg.WorkerPool.ScaleDownThreshold,
		ScaleTick:          30 * time.Second,
		EngineHardTimeout:  cfg.Limits.EngineHardTimeout,
	}
	workerPool := engine.NewWorkerPool(workerCfg, dispatcher, results, monitor)

	queue := buildTaskQueue(cfg.Scheduler, cfg.Redis)
	scheduler := engine.NewScheduler(&engine.SchedulerConfig{PollInterval: cfg.Scheduler.PollingInterval}, queue, workerPool)

	engineCfg := &engine.EngineConfig{HardTimeout: cfg.Limits.EngineHardTimeout}
	facade := engine.NewFacade(engineCfg, registry, scheduler, workerPool, dispatcher, results, monitor, store, events)

	retentionCfg := engine.DefaultRetentionConfig()
	retention := engine.NewRetentionJob(retentionCfg, results, pool, log.Info)
	if err := retention.Start(); err != nil {
		log.Warn("failed to start retention job", "error", err)
	}
	defer retention.Stop()

	tracing, err := engine.NewTracing(engine.TracingConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		Enabled:        cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		log.Warn("failed to initialize tracing", "error", err)
	} else {
		defer tracing.Close(context.Background())
	}

	workerPool.Start()
	scheduler.Start()
	defer scheduler.Stop()
	defer workerPool.Stop()

	server := httpapi.New(cfg.HTTP, facade, metrics, log, cfg.Version)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("http server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down engine")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
}

// defaultTenantCeiling is the fallback ceiling applied when no
// tenant-specific policy store is configured; every deployment is expected
// to replace StaticCeilingProvider with a database-backed CeilingProvider
// once tenant management lands.
func defaultTenantCeiling() engine.TenantCeiling {
	memBytes := int64(512 * 1024 * 1024)
	cpuFraction := 1.0
	execTime := 5 * time.Minute
	return engine.TenantCeiling{
		ResourceLimits: engine.ResourceLimits{
			MemoryBytes:   &memBytes,
			CPUFraction:   &cpuFraction,
			ExecutionTime: &execTime,
		},
		AllowedIsolation:  []engine.IsolationType{engine.IsolationProcess, engine.IsolationNone},
		MaxConcurrentWork: 50,
	}
}

// buildBackendRegistry registers the sandbox backends enabled by
// cfg.Descriptors (spec.md §6's backends.descriptors map). Namespace and
// Container have no runtime wired yet, so both are always registered as an
// unavailableBackend rather than left unregistered — BackendRegistry.Resolve
// falls back to the Process backend for any isolation type with no
// registration at all, which would otherwise run an unconfined process
// under the guise of namespace/container isolation.
func buildBackendRegistry(cfg config.BackendsConfig, log logger.Logger) *engine.BackendRegistry {
	processBackend := engine.NewProcessBackend(1<<20, 1<<20)
	registry := engine.NewBackendRegistry(processBackend)

	registry.Register(engine.IsolationProcess, processBackend)
	registry.Register(engine.IsolationNone, engine.NewNoneBackend(processBackend))

	if root, ok := cfg.Descriptors["chroot_root"]; ok && root != "" {
		registry.Register(engine.IsolationChroot, engine.NewChrootBackend(processBackend, root))
	}

	if _, ok := cfg.Descriptors["namespace"]; ok {
		log.Warn("namespace isolation requested but no root-provisioning hook is wired; registering unavailable backend")
	}
	registry.Register(engine.IsolationNamespace, engine.NewUnavailableBackend(engine.IsolationNamespace, engine.DescribeUnavailable(engine.IsolationNamespace)))

	if _, ok := cfg.Descriptors["container"]; ok {
		log.Warn("container isolation requested but no container runtime client is wired; registering unavailable backend")
	}
	registry.Register(engine.IsolationContainer, engine.NewUnavailableBackend(engine.IsolationContainer, engine.DescribeUnavailable(engine.IsolationContainer)))

	return registry
}

// buildResultManager picks the Redis-backed or in-memory LRU result
// manager per cfg.UseRedis (spec.md §6 result_manager block).
func buildResultManager(cfg config.ResultManagerConfig, redisCfg config.RedisConfig, store engine.ExecutionStore) engine.ResultManager {
	if cfg.UseRedis {
		mgr, err := engine.NewRedisResultManager(redisCfg.Addr(), redisCfg.Password, redisCfg.DB, store, cfg.RetentionWindow)
		if err == nil {
			return mgr
		}
	}
	return engine.NewLRUResultManager(store, cfg.CacheSize)
}

// buildTaskQueue picks the Redis-backed or priority/in-memory queue per
// cfg.UseRedisQueue (spec.md §6 scheduler block).
func buildTaskQueue(cfg config.SchedulerConfig, redisCfg config.RedisConfig) engine.TaskQueue {
	if cfg.UseRedisQueue {
		queue, err := engine.NewRedisQueue(&engine.RedisQueueConfig{
			Addr:         redisCfg.Addr(),
			Password:     redisCfg.Password,
			DB:           redisCfg.DB,
			PollInterval: cfg.PollingInterval,
		})
		if err == nil {
			return queue
		}
	}
	if cfg.EnablePriorityQueue {
		return engine.NewPriorityQueue(
			[]engine.Priority{engine.PriorityLow, engine.PriorityNormal, engine.PriorityHigh, engine.PriorityCritical},
			cfg.QueueCapacity,
		)
	}
	return engine.NewInMemoryQueue(cfg.QueueCapacity)
}

// buildViolationStore points security-violation persistence at MongoDB
// when a URI is configured, otherwise falls back to the primary execution
// repository's relational ViolationStore implementation.
func buildViolationStore(cfg config.ViolationStoreConfig, fallback engine.ViolationStore, log logger.Logger) engine.ViolationStore {
	if cfg.URI == "" {
		return fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := engine.NewMongoViolationStore(ctx, engine.MongoViolationStoreConfig{
		URI: cfg.URI, Database: cfg.Database, Collection: cfg.Collection,
	})
	if err != nil {
		log.Warn("failed to connect to mongo violation store, falling back to relational store", "error", err)
		return fallback
	}
	return store
}

// buildArchiver dials S3 if a bucket is configured, otherwise leaves
// truncated stdout/stderr unarchived.
func buildArchiver(cfg config.ArchiveConfig, log logger.Logger) engine.LogArchiver {
	if cfg.Bucket == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	archiver, err := engine.NewS3Archiver(ctx, engine.S3ArchiverConfig{
		Bucket: cfg.Bucket, Region: cfg.Region, Prefix: cfg.Prefix,
	})
	if err != nil {
		log.Warn("failed to build s3 archiver, truncated output will not be archived", "error", err)
		return nil
	}
	return archiver
}

// buildEventPublisher dials Kafka if brokers are configured, otherwise
// discards every lifecycle event.
func buildEventPublisher(cfg config.KafkaConfig, log logger.Logger) engine.EventPublisher {
	if len(cfg.Brokers) == 0 {
		return engine.NoopEventPublisher{}
	}
	publisher, err := engine.NewKafkaEventPublisher(engine.KafkaConfig{Brokers: cfg.Brokers})
	if err != nil {
		log.Warn("failed to connect to kafka, falling back to no-op event publisher", "error", err)
		return engine.NoopEventPublisher{}
	}
	return publisher
}
