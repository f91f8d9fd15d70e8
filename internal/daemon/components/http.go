package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/daemon"
	"github.com/harunnryd/tablesync/internal/logger"
)

type HTTPServerComponent struct {
	daemon      *daemon.Daemon
	cfg         *config.ServerConfig
	engineComp  *EngineComponent
	schedComp   *SchedulerComponent
	broker      *Broker
	server      *http.Server
	listener    net.Listener
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.ServerConfig, engineComp *EngineComponent, schedComp *SchedulerComponent) *HTTPServerComponent {
	return &HTTPServerComponent{
		daemon:     d,
		cfg:        cfg,
		engineComp: engineComp,
		schedComp:  schedComp,
	}
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	deps := []string{"Engine"}
	if h.schedComp != nil {
		deps = append(deps, "Scheduler")
	}
	return deps
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engineComp == nil || h.engineComp.GetEngine() == nil {
		return fmt.Errorf("engine not initialized")
	}

	readTimeout, err := config.DurationOrDefault(h.cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}

	h.broker = NewBroker(h.engineComp.GetEngine().Store())
	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.cfg.Port),
		Handler:      h.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "port", h.cfg.Port)
	return nil
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	h.startTime = time.Now()
	slog.Info("HTTPServer started", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		slog.Info("HTTPServer not started, skipping stop", "component", h.Name())
		return nil
	}

	slog.Info("Stopping HTTPServer...", "component", h.Name())
	// Event streams never go idle; end them before Shutdown waits on connections.
	h.broker.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !h.started {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	return &daemon.ComponentHealth{Name: h.Name(), Healthy: true}, nil
}

// Addr is the bound listen address once started.
func (h *HTTPServerComponent) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Handler exposes the routed handler, mainly for tests.
func (h *HTTPServerComponent) Handler() http.Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.server == nil {
		return nil
	}
	return h.server.Handler
}

func (h *HTTPServerComponent) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)

	mux.HandleFunc("GET /v1/records/{record_id}/status", h.handleRecordStatus)
	mux.HandleFunc("GET /v1/records/{record_id}/events", h.handleRecordEvents)
	mux.HandleFunc("POST /v1/records/{record_id}/dispatch", h.handleDispatch)
	mux.HandleFunc("PUT /v1/records/{record_id}", h.handleUpdateRecord)
	mux.HandleFunc("POST /v1/records/{record_id}/fields/{field_id}/watch", h.handleWatch)
	mux.HandleFunc("DELETE /v1/records/{record_id}/fields/{field_id}/watch", h.handleUnwatch)
	mux.HandleFunc("POST /v1/refresh", h.handleRefresh)

	mux.HandleFunc("GET /v1/jobs", h.handleListJobs)
	mux.HandleFunc("POST /v1/jobs", h.handleAddJob)
	mux.HandleFunc("DELETE /v1/jobs/{job_id}", h.handleRemoveJob)

	return requestIDMiddleware(loggingMiddleware(mux))
}

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), reqID)))
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.FromContext(r.Context()).Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
