package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/config/logger"
	postgresConfig "github.com/agentgrid/agentgrid/config/storage/postgresql"
	redisConfig "github.com/agentgrid/agentgrid/config/storage/redis"
	config "github.com/agentgrid/agentgrid/config/utils"
	"github.com/agentgrid/agentgrid/internal/adapter/executor/cli"
	"github.com/agentgrid/agentgrid/internal/adapter/storage/postgres"
	redisAdapter "github.com/agentgrid/agentgrid/internal/adapter/storage/redis"
	"github.com/agentgrid/agentgrid/internal/core/service"
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)

	domainType := appConfig.Agent.DomainType
	if domainType == "" {
		log.Fatal("agent.domainType is required (DOMAIN_TYPE)")
	}
	agentID := appConfig.Agent.ID
	if agentID == "" {
		agentID = fmt.Sprintf("%s-%d", domainType, time.Now().Unix())
	}
	log = log.With(zap.String("service", "agentd"), zap.String("agent_id", agentID))
	log.Info("Starting domain agent", zap.String("domain_type", domainType))

	// 2. Init Adapters

	// Redis with retry: the store usually comes up alongside us
	var redisClient redigo.UniversalClient
	maxRedisRetries := 10
	for i := 1; i <= maxRedisRetries; i++ {
		client, err := redisConfig.New(rootCtx, appConfig.Redis)
		if err == nil {
			redisClient = client
			break
		}
		log.Warn("Failed to connect to Redis, retrying...", zap.Int("attempt", i), zap.Error(err))
		if i == maxRedisRetries {
			log.Fatal("Failed to init Redis after max retries", zap.Error(err))
		}
		time.Sleep(time.Duration(i*2) * time.Second)
	}
	defer redisClient.Close()

	store := redisAdapter.NewTaskStore(redisClient, log)
	registry := redisAdapter.NewAgentRegistry(redisClient, log)

	// Executor
	executor := cli.NewExecutor(cli.Config{
		Command: appConfig.Agent.ExecCommand,
		WorkDir: appConfig.Agent.ExecWorkDir,
	}, func(msg string) {
		log.Debug("Executor progress", zap.String("note", msg))
	}, log)

	// 3. Init Services
	planner := service.NewPlanner(routesFromConfig(appConfig.Routes))
	dispatcher := service.NewDispatcher(executor, appConfig.Agent.MaxParallel, log)
	runner := service.NewRunner(domainType, agentID, store, registry, planner, dispatcher, log)

	// Optional result archive
	if appConfig.Archive != nil && appConfig.Archive.Enabled {
		dbService, err := postgresConfig.New(rootCtx, appConfig.DB, log)
		if err != nil {
			log.Fatal("Failed to init Postgres", zap.Error(err))
		}
		defer dbService.Close()
		if err := dbService.Migrate(); err != nil {
			log.Fatal("Failed to run migrations", zap.Error(err))
		}
		runner.WithArchive(postgres.NewResultArchive(dbService, log))
	}

	// Optional metrics listener
	if appConfig.Metrics != nil && appConfig.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		runner.WithMetrics(service.MustNewMetrics(reg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: appConfig.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Metrics listener failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	// 4. Run until shutdown
	if err := runner.Run(rootCtx); err != nil {
		log.Fatal("Runner exited", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

func routesFromConfig(routes []config.Route) []service.Route {
	out := make([]service.Route, 0, len(routes))
	for _, r := range routes {
		out = append(out, service.Route{
			Match:      r.Match,
			Executors:  r.Executors,
			Sequential: r.Sequential,
		})
	}
	return out
}
