package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/pricesync/observability"
	"github.com/hazyhaar/pricesync/pricesync"
)

// newRouter builds the serve handler. runCtx bounds runs started by
// POST /api/sync; it outlives the triggering request.
func newRouter(runCtx context.Context, svc *pricesync.Service, reg *prometheus.Registry, token string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(logger))
	r.Use(middleware.Recoverer)
	r.Use(apiHeaders)
	r.Use(maxBody(1 << 20))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", observability.Handler(reg))

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Get("/api/items", func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, http.StatusBadRequest, errors.New("q is required"))
			return
		}
		items, err := svc.SearchItems(r.Context(), q, queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	})

	r.Get("/api/items/{sku}", func(w http.ResponseWriter, r *http.Request) {
		it, snaps, err := svc.Item(r.Context(), chi.URLParam(r, "sku"))
		if errors.Is(err, pricesync.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": it, "snapshots": snaps})
	})

	r.Get("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		runs, err := svc.Runs(r.Context(), queryInt(r, "limit", 20))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		run, err := svc.GetRun(r.Context(), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, pricesync.ErrBadRunID):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, pricesync.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, http.StatusOK, run)
		}
	})

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "pricesync", Version: "1.0.0"}, nil)
	svc.RegisterMCP(mcpSrv)
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)

	r.Group(func(r chi.Router) {
		r.Use(requireToken(token))

		r.Handle("/mcp", mcpHandler)

		r.Post("/api/sync", func(w http.ResponseWriter, r *http.Request) {
			err := svc.Trigger(runCtx)
			if errors.Is(err, pricesync.ErrAlreadyRunning) {
				writeError(w, http.StatusConflict, err)
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		})

		r.Route("/api/missing", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				items, err := svc.ListMissing(r.Context())
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, items)
			})
			r.Post("/confirm", func(w http.ResponseWriter, r *http.Request) {
				n, err := svc.ConfirmMissing(r.Context())
				if errors.Is(err, pricesync.ErrAlreadyRunning) {
					writeError(w, http.StatusConflict, err)
					return
				}
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
			})
			r.Post("/discard", func(w http.ResponseWriter, r *http.Request) {
				n, err := svc.DiscardMissing(r.Context())
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]int{"discarded": n})
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
