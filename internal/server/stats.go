// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatsReporter emite métricas periódicas do server no log: contadores
// de tráfego (zerados a cada ciclo), sessões e recursos do host.
type StatsReporter struct {
	handler   *Handler
	sessions  *Registry
	dataDir   string
	interval  time.Duration
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewStatsReporter(handler *Handler, sessions *Registry, dataDir string, interval time.Duration, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		handler:   handler,
		sessions:  sessions,
		dataDir:   dataDir,
		interval:  interval,
		logger:    logger.With("component", "stats"),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	// Contadores do intervalo: swap-and-reset.
	packetsIn := sr.handler.PacketsIn.Swap(0)
	bytesIn := sr.handler.BytesIn.Swap(0)
	bytesOut := sr.handler.BytesOut.Swap(0)

	attrs := []any{
		"uptime_seconds", int64(time.Since(sr.startTime).Seconds()),
		"active_conns", sr.handler.ActiveConns.Load(),
		"online_users", len(sr.sessions.OnlineUsers()),
		"packets_in", packetsIn,
		"bytes_in", bytesIn,
		"bytes_out", bytesOut,
	}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		attrs = append(attrs, "cpu_percent", percentage[0])
	} else {
		sr.logger.Debug("failed to collect cpu stats", "error", err)
	}
	if v, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "mem_percent", v.UsedPercent)
	} else {
		sr.logger.Debug("failed to collect memory stats", "error", err)
	}
	if d, err := disk.Usage(sr.dataDir); err == nil {
		attrs = append(attrs, "disk_percent", d.UsedPercent, "disk_free_bytes", d.Free)
	} else {
		sr.logger.Debug("failed to collect disk stats", "error", err)
	}

	sr.logger.Info("server stats", attrs...)
}
