// Package health reports the health of every configured pool and of Redis,
// and serves it over HTTP together with pool summaries and metrics.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/dblease/internal/lease"
	"github.com/joao-brasil/dblease/internal/registry"
)

// Status is the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the health of a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report is the overall health report.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Pinger is anything that can check its Redis connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FallbackReporter is implemented by pingers that can run without Redis.
type FallbackReporter interface {
	IsFallback() bool
}

// Checker runs health checks against the pools and Redis.
type Checker struct {
	pools      *registry.Registry
	redis      Pinger
	instanceID string
	timeout    time.Duration
	logger     *zap.Logger
}

// NewChecker creates a health checker. redis may be nil when global limits
// are disabled.
func NewChecker(pools *registry.Registry, redis Pinger, instanceID string, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		pools:      pools,
		redis:      redis,
		instanceID: instanceID,
		timeout:    5 * time.Second,
		logger:     logger.Named("health"),
	}
}

// Check probes every component concurrently. Pool failures make the report
// unhealthy; a Redis failure covered by fallback mode only degrades it.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	ids := c.pools.PoolIDs()
	components := make([]ComponentHealth, len(ids), len(ids)+1)

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			components[i] = c.checkPool(gctx, id)
			return nil
		})
	}
	var redisHealth *ComponentHealth
	if c.redis != nil {
		g.Go(func() error {
			ch := c.checkRedis(gctx)
			redisHealth = &ch
			return nil
		})
	}
	_ = g.Wait()

	if redisHealth != nil {
		components = append(components, *redisHealth)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	report.Components = components

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// checkPool leases a connection and runs SELECT 1 through the lease
// manager, so the probe honours the same limits and timeouts as callers.
func (c *Checker) checkPool(ctx context.Context, poolID string) ComponentHealth {
	start := time.Now()
	name := "pool-" + poolID

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	h, err := c.pools.Acquire(ctx, poolID, lease.Options{ReadOnly: true})
	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("acquire failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}

	var one int
	err = h.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	c.pools.Release(h, lease.ReleaseOptions{Err: err})
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("SELECT 1 failed: %v", err),
			Latency: latency.String(),
		}
	}

	msg := "ok"
	if s, err := c.pools.Summary(poolID); err == nil {
		msg = fmt.Sprintf("active=%d idle=%d max=%d", s.Leases.Active, s.Leases.Occupancy.Idle, s.Leases.Occupancy.Max)
	}
	return ComponentHealth{
		Name:    name,
		Status:  StatusHealthy,
		Message: msg,
		Latency: latency.String(),
	}
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.redis.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		status := StatusUnhealthy
		if fr, ok := c.redis.(FallbackReporter); ok && fr.IsFallback() {
			status = StatusDegraded
		}
		return ComponentHealth{
			Name:    "redis",
			Status:  status,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// Router returns the HTTP routes: health probes, pool summaries and
// Prometheus metrics.
func (c *Checker) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", c.handleHealth)
	r.Get("/health/ready", c.handleHealth)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.Get("/pools", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.pools.Summaries())
	})
	r.Get("/pools/{id}", func(w http.ResponseWriter, req *http.Request) {
		s, err := c.pools.Summary(chi.URLParam(req, "id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, s)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (c *Checker) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := c.Check(r.Context())
	status := http.StatusOK
	if report.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve starts an HTTP server for the router on port in the background.
func (c *Checker) Serve(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return server
}
