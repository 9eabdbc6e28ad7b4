// Command shardmanager runs the standalone control plane: it serves the
// shard-manager RPC subjects over NATS, persists assignments in a
// JetStream KV bucket and exposes Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	natsadapter "github.com/codewandler/shardis-go/adapters/nats"
	promadapter "github.com/codewandler/shardis-go/adapters/prometheus"
	"github.com/codewandler/shardis-go/core/shardmanager"
)

func main() {
	var (
		natsURL        = flag.String("nats-url", "", "NATS server URL (default: $NATS_URL or nats://127.0.0.1:4222)")
		subjectPrefix  = flag.String("subject-prefix", "shardis", "NATS subject prefix")
		bucket         = flag.String("bucket", "shardis_assignments", "JetStream KV bucket for assignments")
		numShards      = flag.Int("num-shards", 300, "cluster-wide shard count")
		rebalanceEvery = flag.Duration("rebalance-interval", 20*time.Second, "period of the balancing pass")
		rebalanceRate  = flag.Float64("rebalance-rate", 0.02, "fraction of shards moved per balancing pass")
		healthEvery    = flag.Duration("health-check-interval", time.Minute, "period of the pod liveness sweep")
		pingTimeout    = flag.Duration("ping-timeout", 3*time.Second, "pod liveness probe timeout")
		metricsAddr    = flag.String("metrics-addr", ":9090", "prometheus metrics listen address")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log, runConfig{
		natsURL:        *natsURL,
		subjectPrefix:  *subjectPrefix,
		bucket:         *bucket,
		numShards:      *numShards,
		rebalanceEvery: *rebalanceEvery,
		rebalanceRate:  *rebalanceRate,
		healthEvery:    *healthEvery,
		pingTimeout:    *pingTimeout,
		metricsAddr:    *metricsAddr,
	}); err != nil {
		log.Error("shard manager failed", slog.Any("error", err))
		os.Exit(1)
	}
}

type runConfig struct {
	natsURL        string
	subjectPrefix  string
	bucket         string
	numShards      int
	rebalanceEvery time.Duration
	rebalanceRate  float64
	healthEvery    time.Duration
	pingTimeout    time.Duration
	metricsAddr    string
}

func run(ctx context.Context, log *slog.Logger, cfg runConfig) error {
	connect := natsadapter.ConnectDefault()
	if cfg.natsURL != "" {
		connect = natsadapter.ConnectURL(cfg.natsURL)
	}
	connect = natsadapter.ReuseConnection(connect)

	store, err := natsadapter.NewAssignmentStore(natsadapter.AssignmentStoreConfig{
		Connect: connect,
		Bucket:  cfg.bucket,
	})
	if err != nil {
		return fmt.Errorf("create assignment store: %w", err)
	}

	pods, err := natsadapter.NewPods(natsadapter.PodsConfig{
		Connect:       connect,
		Log:           log,
		SubjectPrefix: cfg.subjectPrefix,
	})
	if err != nil {
		return fmt.Errorf("create pods client: %w", err)
	}
	defer pods.Close()

	manager, err := shardmanager.New(ctx, shardmanager.Options{
		Log: log,
		Config: shardmanager.Config{
			NumberOfShards:         cfg.numShards,
			RebalanceInterval:      cfg.rebalanceEvery,
			RebalanceRate:          cfg.rebalanceRate,
			PodHealthCheckInterval: cfg.healthEvery,
			PodPingTimeout:         cfg.pingTimeout,
		},
		Store:   store,
		Pods:    pods,
		Health:  shardmanager.NewPingHealth(pods),
		Metrics: promadapter.NewManagerMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return fmt.Errorf("create shard manager: %w", err)
	}

	if err := manager.Run(ctx); err != nil {
		return err
	}

	server, err := natsadapter.NewManagerServer(natsadapter.ManagerServerConfig{
		Connect:       connect,
		Log:           log,
		SubjectPrefix: cfg.subjectPrefix,
	}, manager)
	if err != nil {
		return fmt.Errorf("create manager server: %w", err)
	}
	if err := server.Run(ctx); err != nil {
		return err
	}

	promMux := http.NewServeMux()
	promMux.Handle("/metrics", promhttp.Handler())
	promServer := &http.Server{Addr: cfg.metricsAddr, Handler: promMux}
	go func() {
		log.Info("prometheus metrics server starting", slog.String("addr", cfg.metricsAddr))
		if err := promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("prometheus server error", slog.Any("error", err))
		}
	}()
	defer promServer.Shutdown(context.Background())

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
