// Package main runs the dual-pipeline coordination server. It owns the
// coordinator instance and exposes it over a thin HTTP surface, with
// Prometheus metrics on a separate listener.
//
// API Endpoints:
//
//	POST /submit           - admit a task into the routed pipeline(s)
//	GET  /status?id=       - task status snapshot
//	GET  /sync?id=         - synchronized (or preliminary) result
//	POST /cancel           - cancel a queued or processing task
//	GET  /metrics-snapshot - per-pipeline counters
//	POST /synchronize      - manual reconciliation of two payloads
//	POST /schedule         - register a recurring submission
//	GET  /tasks?pipeline=  - inspect queued tasks
//
// Usage:
//
//	go run ./cmd/server -config config.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guido-cesarano/dualpipe/pkg/config"
	"github.com/guido-cesarano/dualpipe/pkg/coordinator"
	"github.com/guido-cesarano/dualpipe/pkg/logger"
	"github.com/guido-cesarano/dualpipe/pkg/tasks"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the coordinator's error taxonomy to HTTP status codes.
// QueueFull, RateLimited and NotFound are routine outcomes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrInvalidTaskType), errors.Is(err, tasks.ErrInvalidPriority):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, tasks.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, tasks.ErrInvalidState):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type submitRequest struct {
	Type         string                 `json:"type"`
	Input        map[string]interface{} `json:"input"`
	Priority     string                 `json:"priority"`
	Metadata     map[string]interface{} `json:"metadata"`
	DualPipeline bool                   `json:"dual_pipeline"`
}

// setupRouter configures the HTTP handlers and returns the mux.
func setupRouter(coord *coordinator.Coordinator, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	// Middleware chain is CORS -> Auth -> Handler so preflight requests
	// never fail auth.
	handle := func(path string, h http.HandlerFunc) {
		mux.HandleFunc(path, enableCORS(authMiddleware(h, apiKey)))
	}

	handle("/submit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ids, err := coord.SubmitTask(tasks.Type(req.Type), req.Input, tasks.Priority(req.Priority), req.Metadata, req.DualPipeline)
		if err != nil {
			// A dual submission can be half-admitted; the caller still
			// needs the id of the task that is running.
			if len(ids) > 0 {
				writeJSON(w, statusFor(err), map[string]interface{}{"error": err.Error(), "tasks": ids})
				return
			}
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"tasks": ids})
	})

	handle("/status", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing task ID", http.StatusBadRequest)
			return
		}
		res, err := coord.GetTaskStatus(id)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	handle("/sync", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing sync ID", http.StatusBadRequest)
			return
		}
		res, err := coord.GetSynchronizedResult(id)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	handle("/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Reason == "" {
			req.Reason = "caller request"
		}
		status, err := coord.CancelTask(req.ID, req.Reason)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
	})

	handle("/metrics-snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, coord.GetMetrics())
	})

	handle("/synchronize", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			RealTime      map[string]interface{} `json:"real_time"`
			Comprehensive map[string]interface{} `json:"comprehensive"`
			DataType      string                 `json:"data_type"`
			SyncID        string                 `json:"sync_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, coord.SynchronizeManually(req.RealTime, req.Comprehensive, req.DataType, req.SyncID))
	})

	handle("/schedule", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Spec string `json:"spec"`
			submitRequest
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		entryID, err := coord.ScheduleRecurring(req.Spec, tasks.Type(req.Type), req.Input, tasks.Priority(req.Priority), req.Metadata, req.DualPipeline)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entry_id": entryID})
	})

	handle("/tasks", func(w http.ResponseWriter, r *http.Request) {
		pipeline := tasks.Pipeline(r.URL.Query().Get("pipeline"))
		if !pipeline.Valid() {
			http.Error(w, "Missing or unknown pipeline parameter", http.StatusBadRequest)
			return
		}
		queued, err := coord.InspectQueue(pipeline, 50)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, queued)
	})

	return mux
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	coord, err := coordinator.New(cfg.CoordinatorOptions())
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to build coordinator")
	}
	registerProcessors(coord)
	coord.Start()

	// Prometheus metrics on a dedicated listener
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("Metrics server listening")
		http.ListenAndServe(cfg.Server.MetricsAddr, metricsMux)
	}()

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: setupRouter(coord, apiKey)}

	go func() {
		logger.Log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if err := coord.Shutdown(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("Coordinator shutdown incomplete")
	}
}
