// Package monitor serves the bridge's HTTP surface: health, JSON stats,
// the reference reset and source retire actions, Prometheus metrics, the
// browser viewer socket and a debug console over the run log.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/handoff"
	"github.com/banshee-data/cloudbridge/internal/bridge/ingest"
	"github.com/banshee-data/cloudbridge/internal/bridge/pipeline"
	"github.com/banshee-data/cloudbridge/internal/bridge/render"
	"github.com/banshee-data/cloudbridge/internal/bridge/storage/sqlite"
	"github.com/banshee-data/cloudbridge/internal/bridge/visualiser"
	"github.com/banshee-data/cloudbridge/internal/httputil"
	"github.com/banshee-data/cloudbridge/internal/monitoring"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
	"github.com/banshee-data/cloudbridge/internal/version"
)

// IngestSource reports ingest counters and retires sources. *ingest.Bridge
// implements it.
type IngestSource interface {
	Stats() ingest.Stats
	RetireSource(id string) bool
}

// PipelineSource reports pipeline state and accepts operator resets.
// *pipeline.Pipeline implements it.
type PipelineSource interface {
	Stats() pipeline.Stats
	RecentLatencies() []time.Duration
	ResetReference() (*frame.ReferenceFrame, error)
	RetireSource(id string)
}

// PublisherSource reports render stream counters. *visualiser.Publisher
// implements it.
type PublisherSource interface {
	Stats() visualiser.PublisherStats
}

// ViewerSource is the browser viewer hub. *visualiser.Viewer implements it.
type ViewerSource interface {
	http.Handler
	Clients() int
	Sent() uint64
}

// RecorderSource reports run log activity. *sqlite.Recorder implements it.
type RecorderSource interface {
	Stats() sqlite.RecorderStats
}

// WebServerConfig wires the components the server reports on. Only
// Ingest and Pipeline are required.
type WebServerConfig struct {
	Address   string
	Ingest    IngestSource
	Pipeline  PipelineSource
	Publisher PublisherSource
	Viewer    ViewerSource
	Recorder  RecorderSource
	// DB enables /api/runs and the tailsql console.
	DB *sqlite.DB
	// Slot is read for the snapshot plot. The server owns its own adapter.
	Slot               *handoff.LatestSlot[*frame.ProcessedFrame]
	StalenessThreshold time.Duration
	// Registry receives the bridge collector. Defaults to a new registry.
	Registry *prometheus.Registry
	Clock    timeutil.Clock
}

// WebServer is the bridge's HTTP interface.
type WebServer struct {
	cfg      WebServerConfig
	clock    timeutil.Clock
	started  time.Time
	registry *prometheus.Registry
	server   *http.Server
	mux      *http.ServeMux

	// snapMu guards adapter, which is not safe for concurrent use.
	snapMu  sync.Mutex
	adapter *render.Adapter
}

// NewWebServer builds the server and its routes.
func NewWebServer(cfg WebServerConfig) (*WebServer, error) {
	if cfg.Ingest == nil || cfg.Pipeline == nil {
		return nil, errors.New("monitor needs ingest and pipeline sources")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	ws := &WebServer{
		cfg:      cfg,
		clock:    cfg.Clock,
		started:  cfg.Clock.Now(),
		registry: cfg.Registry,
	}
	if ws.registry == nil {
		ws.registry = prometheus.NewRegistry()
	}
	if err := ws.registry.Register(monitoring.NewCollector(ws.metricsSnapshot)); err != nil {
		return nil, fmt.Errorf("failed to register collector: %w", err)
	}
	if cfg.Slot != nil {
		ws.adapter = render.NewAdapter(cfg.Slot, render.Options{StalenessThreshold: cfg.StalenessThreshold, Clock: cfg.Clock})
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.mux = mux
	ws.server = &http.Server{Addr: cfg.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return ws, nil
}

// Handler returns the server's root handler.
func (ws *WebServer) Handler() http.Handler { return ws.mux }

// Start serves until ctx is done, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", ws.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ws.cfg.Address, err)
	}
	return ws.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (ws *WebServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		opsf("Starting HTTP server on %s", lis.Addr())
		if err := ws.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	opsf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		opsf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			opsf("HTTP server force close error: %v", err)
		}
	}
	return <-errCh
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/reference/reset", ws.handleResetReference)
	mux.HandleFunc("/api/sources/", ws.handleSourceAction)
	mux.HandleFunc("/api/runs", ws.handleRuns)
	mux.Handle("/metrics", promhttp.HandlerFor(ws.registry, promhttp.HandlerOpts{}))
	if ws.cfg.Viewer != nil {
		mux.Handle("/ws", ws.cfg.Viewer)
	}

	debug := tsweb.Debugger(mux)
	debug.Handle("latency", "Recent processing latency chart", http.HandlerFunc(ws.handleLatencyChart))
	debug.Handle("snapshot.png", "Top-down plot of the latest processed frame", http.HandlerFunc(ws.handleSnapshotPlot))
	if ws.cfg.DB != nil {
		tsql, err := tailsql.NewServer(tailsql.Options{RoutePrefix: "/debug/tailsql/"})
		if err != nil {
			return nil, fmt.Errorf("failed to create tailsql server: %w", err)
		}
		tsql.SetDB("sqlite://"+ws.cfg.DB.Path(), ws.cfg.DB.DB, &tailsql.DBOptions{Label: "Run log"})
		debug.Handle("tailsql/", "SQL console over the run log", tsql.NewMux())
	}
	return mux, nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if ws.cfg.Ingest.Stats().ShuttingDown {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, map[string]string{
		"status":    status,
		"service":   "cloudbridge",
		"version":   version.Version,
		"timestamp": ws.clock.Now().UTC().Format(time.RFC3339),
	})
}

// StatsResponse is the body of /api/stats.
type StatsResponse struct {
	Version       string                     `json:"version"`
	UptimeSeconds float64                    `json:"uptime_seconds"`
	Ingest        ingest.Stats               `json:"ingest"`
	Pipeline      pipeline.Stats             `json:"pipeline"`
	Visualiser    *visualiser.PublisherStats `json:"visualiser,omitempty"`
	Viewer        *ViewerStats               `json:"viewer,omitempty"`
	Recorder      *sqlite.RecorderStats      `json:"recorder,omitempty"`
}

// ViewerStats reports the browser viewer hub.
type ViewerStats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
}

func (ws *WebServer) stats() StatsResponse {
	resp := StatsResponse{
		Version:       version.Version,
		UptimeSeconds: ws.clock.Since(ws.started).Seconds(),
		Ingest:        ws.cfg.Ingest.Stats(),
		Pipeline:      ws.cfg.Pipeline.Stats(),
	}
	if ws.cfg.Publisher != nil {
		st := ws.cfg.Publisher.Stats()
		resp.Visualiser = &st
	}
	if ws.cfg.Viewer != nil {
		resp.Viewer = &ViewerStats{Clients: ws.cfg.Viewer.Clients(), Sent: ws.cfg.Viewer.Sent()}
	}
	if ws.cfg.Recorder != nil {
		st := ws.cfg.Recorder.Stats()
		resp.Recorder = &st
	}
	return resp
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.stats())
}

// ResetResponse is the body of a successful reference reset.
type ResetResponse struct {
	Version  uint64 `json:"version"`
	SourceID string `json:"source_id"`
	Sequence uint64 `json:"sequence"`
	Points   int    `json:"points"`
}

func (ws *WebServer) handleResetReference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	rf, err := ws.cfg.Pipeline.ResetReference()
	if errors.Is(err, pipeline.ErrNoFrame) {
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	diagf("reference reset by %s: v%d from %s", r.RemoteAddr, rf.Version, rf.Source)
	httputil.WriteJSON(w, http.StatusOK, ResetResponse{
		Version:  rf.Version,
		SourceID: rf.Source.SourceID,
		Sequence: rf.Source.Sequence,
		Points:   len(rf.Points),
	})
}

// handleSourceAction serves /api/sources/{id}/retire.
func (ws *WebServer) handleSourceAction(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sources/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "retire" {
		httputil.WriteJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	id := parts[0]
	// Both sides forget the source so a restarted sequence renders again.
	known := ws.cfg.Ingest.RetireSource(id)
	ws.cfg.Pipeline.RetireSource(id)
	if !known {
		httputil.WriteJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown source %q", id))
		return
	}
	diagf("source %q retired by %s", id, r.RemoteAddr)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"source_id": id, "status": "retired"})
}

func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if ws.cfg.DB == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no run log configured")
		return
	}
	runs, err := ws.cfg.DB.ListRuns(r.Context(), httputil.QueryInt(r, "limit", 20, 1, 500))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []sqlite.Run{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

// latestSnapshot reads the render slot through the server's own adapter.
func (ws *WebServer) latestSnapshot() (*render.Snapshot, bool) {
	if ws.adapter == nil {
		return nil, false
	}
	ws.snapMu.Lock()
	defer ws.snapMu.Unlock()
	return ws.adapter.Snapshot()
}
