package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxelsync.ai/internal/persistence/indexdb"
	"voxelsync.ai/internal/persistence/snapshot"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/server"
)

type app struct {
	hub      *server.Hub
	index    *indexdb.SQLiteIndex
	snapDir  string
	registry *prometheus.Registry
	ws       http.Handler
	log      *log.Logger

	enableAdmin bool
	enablePprof bool
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Get("/v1/snapshots", a.handleSnapshots)
	if a.ws != nil {
		r.Handle("/v1/ws", a.ws)
	}

	if a.enableAdmin {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(loopbackOnly)
			r.Get("/state", a.handleState)
			r.Post("/resync", a.handleResync)
		})
	} else {
		a.logf("admin endpoints disabled (VC_ENABLE_ADMIN_HTTP=false)")
	}
	if a.enablePprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (a *app) handleHealth(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	st, err := a.hub.Status(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "status": st})
}

// handleSnapshots lists snapshots newest first, from the index when it is
// enabled and from the snapshot directory otherwise.
func (a *app) handleSnapshots(rw http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"error": "bad limit"})
			return
		}
		limit = n
	}

	if a.index != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		rows, err := a.index.ListSnapshots(ctx, limit)
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"snapshots": nonNil(rows)})
		return
	}

	rows, err := scanSnapshots(a.snapDir, limit)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"snapshots": nonNil(rows)})
}

func scanSnapshots(dir string, limit int) ([]indexdb.SnapshotRow, error) {
	paths, err := snapshot.List(dir)
	if err != nil {
		return nil, err
	}
	var rows []indexdb.SnapshotRow
	for i := len(paths) - 1; i >= 0; i-- {
		if limit > 0 && len(rows) >= limit {
			break
		}
		h, err := snapshot.ReadHeader(paths[i])
		if err != nil {
			continue
		}
		rows = append(rows, indexdb.SnapshotRow{
			Tick:      h.Tick,
			Path:      filepath.Clean(paths[i]),
			Entities:  h.Entities,
			Blocks:    h.Blocks,
			Timestamp: h.Timestamp,
			BodyBytes: h.BodyBytes,
		})
	}
	return rows, nil
}

func (a *app) handleState(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	st, err := a.hub.Status(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	resp := struct {
		Status server.Status `json:"status"`
		Index  indexdb.Stats `json:"index"`
	}{Status: st, Index: a.index.Stats()}
	writeJSON(rw, http.StatusOK, resp)
}

// handleResync tells every connected peer to drop its world view and ask for
// a full update.
func (a *app) handleResync(rw http.ResponseWriter, r *http.Request) {
	a.hub.Broadcast(protocol.FullSyncRequest{})
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (a *app) logf(format string, args ...any) {
	if a.log != nil {
		a.log.Printf(format, args...)
	}
}

func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func nonNil(rows []indexdb.SnapshotRow) []indexdb.SnapshotRow {
	if rows == nil {
		return []indexdb.SnapshotRow{}
	}
	return rows
}
