// Package server provides the HTTP status/metrics shell a running sraftd
// process exposes alongside its consensus worker — status and metrics
// only, no client-facing API (spec §6's "server shell configuration
// fields").
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/s-raft/sraft/internal/consensus"
)

// Server wires a consensus.Node to a gin HTTP mux exposing /status and
// /metrics.
type Server struct {
	node   *consensus.Node
	log    *zap.Logger
	engine *gin.Engine
	http   *http.Server
}

// New builds the HTTP shell for node, listening on port. gatherer scopes
// /metrics to exactly the registry the node's metrics.Collector reports
// through — pass nil to fall back to the Prometheus default registry. sm,
// if non-nil, is applied once per committed log entry via
// node.OnLogCommitted; the concrete state machine is application-specific
// and out of scope here.
func New(node *consensus.Node, port int, sm consensus.StateMachine, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	if sm != nil {
		node.OnLogCommitted(func(entry consensus.LogEntry) {
			if err := sm.Apply(entry); err != nil {
				logger.Warn("state machine apply failed", zap.Error(err), zap.Uint64("index", uint64(entry.Index)))
			}
		})
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		node:   node,
		log:    logger,
		engine: router,
	}

	metricsHandler := promhttp.Handler()
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(metricsHandler))

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	return s
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.node.GetState()
	stats := s.node.GetStats()

	body := gin.H{
		"id":             snap.ID,
		"state":          snap.State.String(),
		"term":           snap.Term,
		"is_sub_leader":  snap.IsSubLeader,
		"log_length":     snap.LogLength,
		"commit_index":   snap.CommitIndex,
		"elections":      stats.ElectionsStarted,
		"became_leader":  stats.BecameLeaderCount,
		"instant_promos": stats.InstantPromotions,
	}
	if snap.LeaderID != nil {
		body["leader_id"] = *snap.LeaderID
	}
	if snap.SubleaderRank != nil {
		body["sub_leader_rank"] = *snap.SubleaderRank
	}

	c.JSON(http.StatusOK, body)
}

// Run starts serving and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
