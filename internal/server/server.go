// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o servidor N-Talk: accept loop com uma
// goroutine por conexão, registro de sessões, dispatch de pacotes e
// jobs de manutenção.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/nishisan-dev/n-talk/internal/config"
	"github.com/nishisan-dev/n-talk/internal/pki"
	"github.com/nishisan-dev/n-talk/internal/server/observability"
	"github.com/nishisan-dev/n-talk/internal/service"
	"github.com/nishisan-dev/n-talk/internal/store"
)

// Run abre o listener configurado (TLS quando tls.cert_file está
// presente) e serve até o contexto ser cancelado.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	var ln net.Listener
	var err error
	if cfg.TLS.CertFile != "" {
		tlsCfg, tlsErr := pki.NewServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if tlsErr != nil {
			return fmt.Errorf("loading tls config: %w", tlsErr)
		}
		ln, err = tls.Listen("tcp", cfg.Server.Listen, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", cfg.Server.Listen)
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	return RunWithListener(ctx, ln, cfg, logger)
}

// RunWithListener serve em um listener já aberto. Usado pelo Run e
// pelos testes de integração (listener em porta efêmera).
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.ServerConfig, logger *slog.Logger) error {
	defer ln.Close()

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	files, err := service.NewFileService(st, cfg.Storage.DataDir, cfg.Limits.FileChunkRaw, logger)
	if err != nil {
		return fmt.Errorf("initializing file service: %w", err)
	}

	sessions := NewRegistry(logger)
	handler := NewHandler(cfg, logger, sessions,
		service.NewAuthService(st),
		service.NewGroupService(st),
		service.NewMessageService(st),
		files)

	if cfg.WebUI.Enabled {
		events, err := observability.NewEventStore(
			filepath.Join(cfg.Storage.DataDir, cfg.WebUI.EventsFile),
			100, cfg.WebUI.EventsMaxLines)
		if err != nil {
			return fmt.Errorf("opening event store: %w", err)
		}
		defer events.Close()
		handler.SetEvents(events)

		api := &http.Server{
			Addr:         cfg.WebUI.Listen,
			Handler:      observability.NewRouter(handler, sessions, events, observability.NewACL(cfg.WebUI.ParsedCIDRs)),
			ReadTimeout:  cfg.WebUI.ReadTimeout,
			WriteTimeout: cfg.WebUI.WriteTimeout,
			IdleTimeout:  cfg.WebUI.IdleTimeout,
		}
		go func() {
			logger.Info("status api listening", "addr", cfg.WebUI.Listen)
			if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api failed", "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			api.Shutdown(shutCtx)
		}()
	}

	if interval, err := time.ParseDuration(cfg.Stats.Interval); err == nil && interval > 0 {
		stats := NewStatsReporter(handler, sessions, cfg.Storage.DataDir, interval, logger)
		stats.Start()
		defer stats.Stop()
	}

	maintenance, err := NewMaintenance(cfg, files, logger)
	if err != nil {
		return fmt.Errorf("initializing maintenance: %w", err)
	}
	maintenance.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		maintenance.Stop(stopCtx)
	}()

	// Cancelamento derruba o Accept fechando o listener.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("server listening", "addr", ln.Addr().String(),
		"tls", cfg.TLS.CertFile != "", "max_clients", cfg.Limits.MaxClients)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Info("server stopped")
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go handler.HandleConnection(ctx, conn)
	}
}
