package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/anonychat/anonychat/internal/events"
	"github.com/anonychat/anonychat/internal/hub"
	"github.com/anonychat/anonychat/internal/throttle"
	"github.com/anonychat/anonychat/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("MIN_CONNECTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.MinConnectionInterval = d
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Heartbeat.Interval = d
		}
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Heartbeat.Timeout = d
		}
	}

	hubConfig := hub.DefaultConfig()
	if v := os.Getenv("NO_PARTNER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			hubConfig.NoPartnerTimeout = d
		}
	}
	if v := os.Getenv("PAIR_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			hubConfig.CooldownAfterLastPartner = d
		}
	}
	if v := os.Getenv("MIN_PAIR_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			hubConfig.MinPairDuration = d
		}
	}
	if v := os.Getenv("REQUEUE_COOLDOWN_MIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			hubConfig.RequeueCooldownMin = d
		}
	}
	if v := os.Getenv("REQUEUE_COOLDOWN_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			hubConfig.RequeueCooldownMax = d
		}
	}
	if v := os.Getenv("INACTIVE_PAIR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			hubConfig.InactivePairTimeout = d
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			hubConfig.SweepInterval = d
		}
	}
	if v := os.Getenv("STATS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			hubConfig.StatsInterval = d
		}
	}

	// --- Redis (optional) ---
	// Without Redis the connect throttle falls back to a process-local map,
	// which is fine for a single instance.
	var rdb *redis.Client
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
	}

	// --- NATS (optional) ---
	// Event mirroring is best-effort; a missing broker only loses the mirror.
	var nc *nats.Conn
	natsURL := os.Getenv("NATS_URL")
	if natsURL != "" {
		var err error
		nc, err = nats.Connect(natsURL)
		if err != nil {
			log.Printf("nats connect failed, running without event mirror: %v", err)
			nc = nil
		}
	}

	ev := events.New(nc)
	limiter := throttle.New(rdb, config.MinConnectionInterval)

	log.Printf("anonychat WebSocket server starting")
	log.Printf("  listen_addr:       %s", config.ListenAddr)
	log.Printf("  worker_pool:       %d", config.WorkerPoolSize)
	log.Printf("  max_connections:   %d", config.MaxConnections)
	log.Printf("  read_timeout:      %s", config.ReadTimeout)
	log.Printf("  write_timeout:     %s", config.WriteTimeout)
	log.Printf("  conn_interval:     %s", config.MinConnectionInterval)
	log.Printf("  no_partner_after:  %s", hubConfig.NoPartnerTimeout)
	log.Printf("  inactive_timeout:  %s", hubConfig.InactivePairTimeout)
	log.Printf("  redis_addr:        %s", redisAddr)
	log.Printf("  nats_url:          %s", natsURL)

	server := ws.NewServer(config, limiter, ev)
	h := hub.New(hubConfig, server, ev)

	server.SetOnConnect(h.Register)
	server.SetOnMessage(h.HandleInbound)
	server.SetOnDisconnect(h.Unregister)

	h.Start()

	// Periodic metrics snapshot into the event stream, mirroring what the
	// /metrics endpoint exposes to Prometheus.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			snap := h.Snapshot()
			ev.MetricsSnapshot(snap.OnlineCount, snap.WaitingUsers, snap.ActivePairs)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		h.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if nc != nil {
			nc.Close()
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		ev.ServerStopped()
		os.Exit(0)
	}()

	ev.ServerStarted(config.ListenAddr)
	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
