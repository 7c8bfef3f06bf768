// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-talk/internal/config"
	"github.com/nishisan-dev/n-talk/internal/service"
)

// Maintenance agenda os jobs de fundo do server: a varredura horária de
// uploads vencidos e, quando habilitado, o snapshot periódico do
// data_dir.
type Maintenance struct {
	cron      *cron.Cron
	logger    *slog.Logger
	files     *service.FileService
	snapshots *SnapshotWriter
	uploadTTL time.Duration

	mu      sync.Mutex // garante apenas um snapshot por vez
	running bool
}

// NewMaintenance monta o cron a partir da configuração. O snapshot só
// entra na agenda quando snapshot.enabled.
func NewMaintenance(cfg *config.ServerConfig, files *service.FileService, logger *slog.Logger) (*Maintenance, error) {
	ttl, err := time.ParseDuration(cfg.Snapshot.UploadTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot.upload_ttl: %w", err)
	}

	m := &Maintenance{
		logger:    logger.With("component", "maintenance"),
		files:     files,
		uploadTTL: ttl,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc("@hourly", m.runSweep); err != nil {
		return nil, err
	}
	if cfg.Snapshot.Enabled {
		m.snapshots = NewSnapshotWriter(cfg.Storage.DataDir, cfg.Snapshot, logger)
		if _, err := c.AddFunc(cfg.Snapshot.Schedule, m.runSnapshot); err != nil {
			return nil, fmt.Errorf("parsing snapshot.schedule: %w", err)
		}
	}

	m.cron = c
	return m, nil
}

// Start inicia a agenda de manutenção.
func (m *Maintenance) Start() {
	m.logger.Info("maintenance started", "upload_ttl", m.uploadTTL, "snapshot", m.snapshots != nil)
	m.cron.Start()
}

// Stop para a agenda e aguarda jobs em andamento.
func (m *Maintenance) Stop(ctx context.Context) {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
		m.logger.Info("maintenance stopped")
	case <-ctx.Done():
		m.logger.Warn("maintenance stop timed out")
	}
}

func (m *Maintenance) runSweep() {
	if m.uploadTTL <= 0 {
		return
	}
	removed, err := m.files.SweepStaleUploads(m.uploadTTL)
	if err != nil {
		m.logger.Error("stale upload sweep failed", "error", err)
		return
	}
	if removed > 0 {
		m.logger.Info("stale uploads removed", "count", removed, "ttl", m.uploadTTL)
	}
}

func (m *Maintenance) runSnapshot() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("snapshot already running, skipping scheduled execution")
		return
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.logger.Info("scheduled snapshot triggered")
	if err := m.snapshots.Run(context.Background()); err != nil {
		m.logger.Error("snapshot failed", "error", err)
	}
}
