package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/hostapi"
	"github.com/seantiz/anvil/internal/limiter"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/scripting"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/worker"
	"github.com/seantiz/anvil/internal/worker/process"
	"github.com/seantiz/anvil/internal/worker/thread"
)

const poolShutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	logger.Info("anvil: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"isolation", cfg.Isolation,
		"pool_min", cfg.PoolMin,
		"pool_max", cfg.PoolMax,
		"concurrency", cfg.Concurrency,
		"max_queue", cfg.MaxQueue,
	)

	workers := worker.NewRegistry(worker.IsolationThread)
	workers.Register(worker.IsolationThread, thread.NewSpawner(logger, cfg.WorkerGrace()))
	workers.Register(worker.IsolationProcess, process.NewSpawner(process.Config{
		Bin:  cfg.WorkerBin,
		Args: []string{"-grace-ms", strconv.Itoa(cfg.WorkerGraceMS)},
	}, logger))

	spawner, err := workers.Resolve(cfg.Isolation)
	if err != nil {
		log.Fatalf("failed to resolve isolation: %v", err)
	}
	isolation := spawner.Capabilities().Isolation

	p := pool.New(spawner, pool.Config{
		Min:              cfg.PoolMin,
		Max:              cfg.PoolMax,
		RecycleAfterJobs: cfg.RecycleAfterJobs,
	}, logger)
	if err := p.Initialize(context.Background()); err != nil {
		log.Fatalf("failed to start worker pool: %v", err)
	}

	reg, err := hostapi.NewDefaultRegistry(hostapi.Options{
		Logger:         logger,
		HTTPAllowHosts: cfg.HTTPAllowHosts,
		HTTPTimeout:    cfg.HTTPTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to build host API: %v", err)
	}

	lim := limiter.New(cfg.Concurrency)
	lim.SetMaxWaiting(cfg.MaxQueue)
	rt := scripting.New(lim, p, reg, logger, cfg.Timeout())

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	eng := engine.NewEngine(db, rt, engine.Config{
		Isolation:        isolation,
		DefaultTimeoutMS: int64(cfg.TimeoutMS),
		MaxTimeoutMS:     int64(cfg.MaxTimeoutMS),
		Admitter:         lim,
	}, logger)

	srv := api.NewServer(api.Options{
		Addr:           cfg.ListenAddr,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, api.Deps{
		Store:     db,
		Engine:    eng,
		Pool:      p,
		Limiter:   lim,
		Workers:   workers,
		Isolation: isolation,
	}, logger)

	runErr := srv.Run()

	eng.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Error("worker pool shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
