package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/config"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/store"
)

const maintenanceTimeout = 30 * time.Second

// maintenance runs the periodic housekeeping jobs of an instance: reaping
// idle sessions, refreshing fleet counters and sweeping expired durable
// records.
type maintenance struct {
	engine   *cron.Cron
	ctx      context.Context
	registry *Registry
	store    *store.Store
	cfg      *config.Config
	logger   *zap.Logger
}

func newMaintenance(ctx context.Context, cfg *config.Config, registry *Registry, st *store.Store, logger *zap.Logger) (*maintenance, error) {
	m := &maintenance{
		engine:   cron.New(),
		ctx:      ctx,
		registry: registry,
		store:    st,
		cfg:      cfg,
		logger:   logger,
	}
	if _, err := m.engine.AddFunc(cfg.Session.ReapSchedule, m.reapSessions); err != nil {
		return nil, fmt.Errorf("session reap schedule %q: %w", cfg.Session.ReapSchedule, err)
	}
	if _, err := m.engine.AddFunc(cfg.Task.GCSchedule, m.sweepTasks); err != nil {
		return nil, fmt.Errorf("task gc schedule %q: %w", cfg.Task.GCSchedule, err)
	}
	return m, nil
}

func (m *maintenance) start() {
	m.engine.Start()
}

// stop halts the schedule and waits for a running job, at most until ctx ends
func (m *maintenance) stop(ctx context.Context) {
	done := m.engine.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		m.logger.Warn("Maintenance job still running at shutdown")
	}
}

func (m *maintenance) reapSessions() {
	ctx, cancel := context.WithTimeout(m.ctx, maintenanceTimeout)
	defer cancel()
	m.registry.ReapIdle(ctx, m.cfg.Session.IdleTimeout)
	m.registry.RefreshCounters(ctx)
}

func (m *maintenance) sweepTasks() {
	ctx, cancel := context.WithTimeout(m.ctx, maintenanceTimeout)
	defer cancel()
	n, err := m.store.Durable().Sweep(ctx, time.Now())
	if err != nil {
		m.logger.Warn("Durable sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Info("Swept expired durable records", zap.Int("count", n))
	}
}
