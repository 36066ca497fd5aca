package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/s-raft/sraft/internal/config"
	"github.com/s-raft/sraft/internal/consensus"
	"github.com/s-raft/sraft/internal/consensus/transport"
	"github.com/s-raft/sraft/internal/metrics"
	"github.com/s-raft/sraft/internal/server"
)

func main() {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	defer logger.Sync()

	selfAddr := os.Getenv("SRAFT_SELF_ADDR")
	clusterPath := os.Getenv("SRAFT_CLUSTER_FILE")
	if selfAddr == "" || clusterPath == "" {
		logger.Fatal("SRAFT_SELF_ADDR and SRAFT_CLUSTER_FILE must both be set")
	}

	cluster, err := config.LoadClusterFile(clusterPath)
	if err != nil {
		logger.Fatal("failed to load cluster file", zap.Error(err))
	}

	if err := cfg.Validate(len(cluster.Addrs)); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	tr, err := transport.NewTCPTransport(selfAddr, cluster.Addrs, cfg.Transport.ToTransport(), logger)
	if err != nil {
		logger.Fatal("failed to build transport", zap.Error(err))
	}
	if err := tr.Start(); err != nil {
		logger.Fatal("failed to start transport", zap.Error(err))
	}

	collector := metrics.New()

	node := consensus.NewNode(tr.SelfID(), len(cluster.Addrs), cfg.Consensus.ToConsensus(), tr, collector, logger)
	node.OnBecomeLeader(func() {
		logger.Info("node became leader")
	})
	node.OnBecomeFollower(func() {
		logger.Info("node stepped down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go node.Run(ctx)

	httpServer := server.New(node, cfg.Server.HTTPPort, nil, collector.Gatherer(), logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := httpServer.Run(ctx); err != nil {
		logger.Error("http server exited with error", zap.Error(err))
	}

	node.Stop()
	if err := tr.Stop(); err != nil {
		logger.Warn("transport stop error", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
