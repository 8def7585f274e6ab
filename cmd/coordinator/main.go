package main

import (
	"context"
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
	redisConfig "github.com/agentgrid/agentgrid/config/storage/redis"
	config "github.com/agentgrid/agentgrid/config/utils"
	"github.com/agentgrid/agentgrid/internal/adapter/runtime/docker"
	redisAdapter "github.com/agentgrid/agentgrid/internal/adapter/storage/redis"
	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
	"github.com/agentgrid/agentgrid/internal/core/service"
)

const reconcileInterval = 30 * time.Second

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	log = log.With(zap.String("service", "coordinator"))
	log.Info("Starting coordinator")

	// 2. Init Adapters

	// Redis with retry
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

	registry := redisAdapter.NewAgentRegistry(redisClient, log)
	locker := redisAdapter.NewLocker(redisClient, log)

	runtime, err := docker.NewRuntime(log)
	if err != nil {
		log.Fatal("Failed to init container runtime", zap.Error(err))
	}

	// 3. Init Supervisor
	supervisor := service.NewSupervisor(runtime, registry, locker, service.SupervisorConfig{
		Image:            appConfig.Docker.Image,
		Network:          appConfig.Docker.Network,
		RedisAddr:        appConfig.Redis.Addr,
		Binds:            appConfig.Docker.Binds,
		MemoryBytes:      appConfig.Docker.MemoryBytes(),
		CPUs:             appConfig.Docker.CPUs,
		ReadinessTimeout: appConfig.Docker.ReadinessTimeout,
		StopGrace:        appConfig.Docker.StopGrace,
	}, log)

	// Metrics listener
	if appConfig.Metrics != nil && appConfig.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
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

	// 4. Register as the main agent and keep the liveness marker fresh
	err = registry.Register(rootCtx, &domain.AgentInfo{
		AgentID: "main",
		Role:    domain.RoleMain,
		Status:  domain.AgentStatusActive,
	})
	if err != nil {
		log.Fatal("Failed to register coordinator", zap.Error(err))
	}
	go func() {
		ticker := time.NewTicker(redisAdapter.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if err := registry.Heartbeat(rootCtx, "main"); err != nil {
					log.Error("Heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	// 5. Bring the configured domains up, then reconcile forever
	for _, domainType := range appConfig.Docker.DomainTypes {
		if _, err := supervisor.EnsureDomain(rootCtx, domainType); err != nil {
			log.Error("Failed to ensure domain at startup",
				zap.String("domain_type", domainType), zap.Error(err))
		}
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rootCtx.Done():
			shutdown(supervisor, registry, log)
			return
		case <-ticker.C:
			reconcile(rootCtx, supervisor, registry, appConfig.Docker.DomainTypes, log)
		}
	}
}

// reconcile is one supervision sweep: clear dead containers and stale
// registrations, then respawn any configured domain that lost its
// process.
func reconcile(ctx context.Context, supervisor *service.Supervisor, registry port.AgentRegistry, domainTypes []string, log *zap.Logger) {
	if removed, err := supervisor.CleanupStopped(ctx); err != nil {
		log.Error("Cleanup of stopped domains failed", zap.Error(err))
	} else if len(removed) > 0 {
		log.Info("Removed stopped domains", zap.Strings("domain_ids", removed))
	}

	if removed, err := registry.CleanupDeadAgents(ctx); err != nil {
		log.Error("Cleanup of dead agents failed", zap.Error(err))
	} else if len(removed) > 0 {
		log.Info("Removed dead agent registrations", zap.Strings("agent_ids", removed))
	}

	for _, domainType := range domainTypes {
		if _, err := supervisor.EnsureDomain(ctx, domainType); err != nil {
			log.Error("Failed to ensure domain",
				zap.String("domain_type", domainType), zap.Error(err))
		}
	}
}

func shutdown(supervisor *service.Supervisor, registry port.AgentRegistry, log *zap.Logger) {
	log.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if removed, err := supervisor.CleanupAll(ctx); err != nil {
		log.Error("Failed to stop managed domains", zap.Error(err))
	} else {
		log.Info("Stopped managed domains", zap.Strings("domain_ids", removed))
	}
	if _, err := registry.Deregister(ctx, "main"); err != nil {
		log.Error("Failed to deregister coordinator", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
