package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/metrics"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheck pings every idle connection, closing any that fail. Idle
// connections are taken out of the pool while being checked so they are
// never leased mid-ping. Returns the number of connections removed. Called
// periodically by the maintenance loop.
func (p *Pool) HealthCheck() int {
	p.mu.Lock()
	if p.closed || len(p.idle) == 0 {
		p.mu.Unlock()
		return 0
	}
	conns := p.idle
	p.idle = make([]*Conn, 0, p.cfg.MaxConnections)
	p.returning += len(conns)
	p.updateMetrics()
	p.mu.Unlock()

	removed := 0
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(p.ctx, healthCheckTimeout)
		err := conn.raw.PingContext(ctx)
		cancel()

		if err != nil {
			p.logger.Warn("health check failed",
				zap.Uint64("conn_id", conn.id), zap.Error(err))
			metrics.ConnectionErrors.WithLabelValues(p.cfg.ID, "health_check").Inc()
			p.drop(conn)
			removed++
			continue
		}

		conn.mu.Lock()
		conn.lastHealthCheck = time.Now()
		conn.mu.Unlock()

		p.checkin(conn)
	}

	if removed > 0 {
		p.logger.Info("health check removed unhealthy connections", zap.Int("count", removed))
	}
	return removed
}
