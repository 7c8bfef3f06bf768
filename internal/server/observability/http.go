// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-talk/internal/protocol"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// MetricsData contém os contadores coletados do handler do server. Os
// contadores de tráfego acumulam desde o último ciclo do stats reporter.
type MetricsData struct {
	ActiveConns int64
	PacketsIn   int64
	BytesIn     int64
	BytesOut    int64
}

// HandlerMetrics é a interface read-only que o router precisa do
// server.Handler, sem expor o Handler inteiro.
type HandlerMetrics interface {
	MetricsSnapshot() MetricsData
}

// SessionLister expõe a lista de usuários online do registro de sessões.
type SessionLister interface {
	OnlineUsers() []protocol.OnlineUser
}

// HealthResponse é retornado por GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
	Go      string `json:"go"`
}

// MetricsResponse é retornado por GET /api/v1/metrics.
type MetricsResponse struct {
	ActiveConns int64 `json:"active_conns"`
	OnlineUsers int   `json:"online_users"`
	PacketsIn   int64 `json:"packets_in"`
	BytesIn     int64 `json:"bytes_in"`
	BytesOut    int64 `json:"bytes_out"`
}

// SessionsResponse é retornado por GET /api/v1/sessions.
type SessionsResponse struct {
	Count int                   `json:"count"`
	Users []protocol.OnlineUser `json:"users"`
}

// EventsResponse é retornado por GET /api/v1/events.
type EventsResponse struct {
	Count  int          `json:"count"`
	Events []EventEntry `json:"events"`
}

// NewRouter cria o http.Handler da API de status, com a ACL aplicada
// em todas as rotas.
func NewRouter(metrics HandlerMetrics, sessions SessionLister, events *EventStore, acl *ACL) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/metrics", makeMetricsHandler(metrics, sessions))
	mux.HandleFunc("GET /api/v1/sessions", makeSessionsHandler(sessions))
	mux.HandleFunc("GET /api/v1/events", makeEventsHandler(events))

	return acl.Middleware(mux)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Version: Version,
		Go:      runtime.Version(),
	})
}

func makeMetricsHandler(metrics HandlerMetrics, sessions SessionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := metrics.MetricsSnapshot()
		writeJSON(w, MetricsResponse{
			ActiveConns: data.ActiveConns,
			OnlineUsers: len(sessions.OnlineUsers()),
			PacketsIn:   data.PacketsIn,
			BytesIn:     data.BytesIn,
			BytesOut:    data.BytesOut,
		})
	}
}

func makeSessionsHandler(sessions SessionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users := sessions.OnlineUsers()
		writeJSON(w, SessionsResponse{Count: len(users), Users: users})
	}
}

func makeEventsHandler(events *EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		recent := events.Recent(limit)
		writeJSON(w, EventsResponse{Count: len(recent), Events: recent})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
