package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/handoff"
	"github.com/banshee-data/cloudbridge/internal/bridge/ingest"
	"github.com/banshee-data/cloudbridge/internal/bridge/pipeline"
	"github.com/banshee-data/cloudbridge/internal/bridge/storage/sqlite"
	"github.com/banshee-data/cloudbridge/internal/bridge/visualiser"
	"github.com/banshee-data/cloudbridge/internal/monitoring"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
	"github.com/banshee-data/cloudbridge/internal/version"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeIngest struct {
	stats ingest.Stats

	mu      sync.Mutex
	retired []string
}

func (f *fakeIngest) Stats() ingest.Stats { return f.stats }
func (f *fakeIngest) retiredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.retired...)
}
func (f *fakeIngest) RetireSource(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retired = append(f.retired, id)
	for _, s := range f.stats.Sources {
		if s.SourceID == id {
			return true
		}
	}
	return false
}

type fakePipeline struct {
	mu      sync.Mutex
	stats   pipeline.Stats
	lat     []time.Duration
	ref     *frame.ReferenceFrame
	err     error
	resets  int
	retired []string
}

func (f *fakePipeline) RetireSource(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retired = append(f.retired, id)
}

func (f *fakePipeline) retiredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.retired...)
}

func (f *fakePipeline) Stats() pipeline.Stats            { return f.stats }
func (f *fakePipeline) RecentLatencies() []time.Duration { return f.lat }
func (f *fakePipeline) ResetReference() (*frame.ReferenceFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.ref, f.err
}

func (f *fakePipeline) setReset(ref *frame.ReferenceFrame, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ref, f.err = ref, err
}

func (f *fakePipeline) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type fakePublisher struct{}

func (fakePublisher) Stats() visualiser.PublisherStats {
	return visualiser.PublisherStats{Running: true, Frames: 12, Clients: 2, Dropped: 1}
}

type harness struct {
	srv      *httptest.Server
	ws       *WebServer
	ingest   *fakeIngest
	pipeline *fakePipeline
	slot     *handoff.LatestSlot[*frame.ProcessedFrame]
}

func newHarness(t *testing.T, db *sqlite.DB) *harness {
	t.Helper()
	h := &harness{
		ingest: &fakeIngest{stats: ingest.Stats{
			Sources:  []ingest.SourceStats{{SourceID: "lidar-0", LastSequence: 4, HasSequence: true, Received: 5, Accepted: 3, Stale: 2}},
			QueueCap: 4,
		}},
		pipeline: &fakePipeline{
			stats: pipeline.Stats{Workers: 2, Processed: 3, Promotions: 1, ReferenceVersion: 1},
			lat:   []time.Duration{2 * time.Millisecond, 3 * time.Millisecond, 5 * time.Millisecond},
		},
		slot: handoff.NewLatestSlot[*frame.ProcessedFrame](),
	}
	cfg := WebServerConfig{
		Ingest:    h.ingest,
		Pipeline:  h.pipeline,
		Publisher: fakePublisher{},
		Slot:      h.slot,
		Clock:     timeutil.NewMockClock(epoch),
	}
	if db != nil {
		cfg.DB = db
	}
	ws, err := NewWebServer(cfg)
	require.NoError(t, err)
	h.ws = ws
	h.srv = httptest.NewServer(ws.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestNewWebServer_RequiresSources(t *testing.T) {
	_, err := NewWebServer(WebServerConfig{Ingest: &fakeIngest{}})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
	assert.Contains(t, string(body), `"version":"`+version.Version+`"`)

	h = newHarness(t, nil)
	h.srv.Close()
	h.ingest.stats.ShuttingDown = true
	h.srv = httptest.NewServer(h.ws.Handler())
	t.Cleanup(h.srv.Close)
	resp, body = h.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "shutting_down")
}

func TestStats(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got StatsResponse
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Ingest.Sources, 1)
	assert.Equal(t, uint64(2), got.Ingest.Sources[0].Stale)
	assert.Equal(t, uint64(3), got.Pipeline.Processed)
	require.NotNil(t, got.Visualiser)
	assert.Equal(t, uint64(12), got.Visualiser.Frames)
	assert.Nil(t, got.Recorder)

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/stats", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestResetReference(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.get(t, "/api/reference/reset")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Zero(t, h.pipeline.resetCount())

	h.pipeline.setReset(nil, pipeline.ErrNoFrame)
	resp, err := http.Post(h.srv.URL+"/api/reference/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	h.pipeline.setReset(&frame.ReferenceFrame{Version: 4, Source: frame.FrameRef{SourceID: "lidar-0", Sequence: 9}, Points: make([]frame.Point, 7)}, nil)
	resp, err = http.Post(h.srv.URL+"/api/reference/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got ResetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, ResetResponse{Version: 4, SourceID: "lidar-0", Sequence: 9, Points: 7}, got)
	assert.Equal(t, 2, h.pipeline.resetCount())
}

func TestRetireSource(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.get(t, "/api/sources/lidar-0/retire")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	for _, path := range []string{"/api/sources/", "/api/sources/lidar-0", "/api/sources/lidar-0/wipe"} {
		resp, err := http.Post(h.srv.URL+path, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	assert.Empty(t, h.ingest.retiredIDs())

	resp, err := http.Post(h.srv.URL+"/api/sources/lidar-9/retire", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(h.srv.URL+"/api/sources/lidar-0/retire", "application/json", nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"retired"`)

	assert.Equal(t, []string{"lidar-9", "lidar-0"}, h.ingest.retiredIDs())
	assert.Equal(t, []string{"lidar-9", "lidar-0"}, h.pipeline.retiredIDs())
}

func TestRetireSource_RestartedSensorRendersAgain(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	icfg := ingest.DefaultConfig()
	icfg.Clock = clock
	br, err := ingest.New(icfg)
	require.NoError(t, err)

	slot := handoff.NewLatestSlot[*frame.ProcessedFrame]()
	pcfg := pipeline.DefaultConfig()
	pcfg.Workers = 1
	pcfg.EnableFilter = false
	pcfg.EnableSegmentation = false
	pcfg.EnableRegistration = false
	pcfg.EnableOccupancy = false
	pcfg.Clock = clock
	pl, err := pipeline.New(pcfg, br.Queue(), slot)
	require.NoError(t, err)

	ws, err := NewWebServer(WebServerConfig{Ingest: br, Pipeline: pl, Slot: slot, Clock: clock})
	require.NoError(t, err)
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)

	pts := []frame.Point{{Vector: r3.Vector{X: 1, Y: 2, Z: 0.5}}, {Vector: r3.Vector{X: 2, Y: 1, Z: 0.5}}}
	feed := func(seq uint64) {
		t.Helper()
		require.NoError(t, br.OnSampleReceived(&ingest.RawSample{
			SourceID:     "lidar-0",
			Sequence:     seq,
			CaptureNanos: epoch.UnixNano(),
			PointCount:   uint32(len(pts)),
			Payload:      ingest.EncodePoints(pts, 0),
		}))
		f, ok := br.Queue().TryPop()
		require.True(t, ok)
		_, err := pl.Handle(context.Background(), f)
		require.NoError(t, err)
	}
	latestSeq := func() uint64 {
		t.Helper()
		pf, ok := slot.Latest()
		require.True(t, ok)
		return pf.Source.Sequence
	}

	for seq := uint64(1); seq <= 5; seq++ {
		feed(seq)
	}
	assert.Equal(t, uint64(5), latestSeq())

	resp, err := http.Post(srv.URL+"/api/sources/lidar-0/retire", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	feed(1)
	assert.Equal(t, uint64(1), latestSeq())
	feed(2)
	assert.Equal(t, uint64(2), latestSeq())
	assert.Equal(t, uint64(0), pl.Stats().StaleResults)
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text := string(body)
	assert.Contains(t, text, `cloudbridge_ingest_samples_received_total{source="lidar-0"} 5`)
	assert.Contains(t, text, `cloudbridge_ingest_samples_rejected_total{reason="stale",source="lidar-0"} 2`)
	assert.Contains(t, text, `cloudbridge_pipeline_frames_processed_total 3`)
	assert.Contains(t, text, `cloudbridge_render_clients 2`)
}

func TestLatencyChart(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.get(t, "/debug/latency")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "Processing latency")
}

func TestSnapshotPlot(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.get(t, "/debug/snapshot.png")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	pts := make([]frame.Point, 0, 100)
	for i := 0; i < 100; i++ {
		pts = append(pts, frame.Point{Vector: r3.Vector{X: float64(i%10) - 5, Y: float64(i/10) - 5}})
	}
	h.slot.Offer(&frame.ProcessedFrame{
		Source:             frame.FrameRef{SourceID: "lidar-0", Sequence: 1, ArrivalTime: epoch},
		Points:             pts,
		Features:           []frame.Feature{{Kind: frame.FeatureCluster, Centroid: r3.Vector{X: 1, Y: 1}}},
		Occupancy:          []frame.Cell{{X: 0, Y: 0}, {X: 1, Y: 0}},
		OccupancyCellSize:  0.5,
		RegistrationStatus: frame.RegistrationSucceeded,
		Registration:       &frame.Registration{Pose: frame.Identity(), Fitness: 1},
	})

	resp, body := h.get(t, "/debug/snapshot.png?size=3")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(body, []byte("\x89PNG\r\n\x1a\n")))
}

func TestDebugIndexListsHandlers(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.get(t, "/debug/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "snapshot.png")
	assert.Contains(t, string(body), "latency")
	assert.NotContains(t, string(body), "tailsql")
}

func TestRuns(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.get(t, "/api/runs")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "runlog.db"))
	require.NoError(t, err)
	defer db.Close()
	rec, err := sqlite.NewRecorder(db, sqlite.RecorderConfig{Label: "monitor-test", Clock: timeutil.NewMockClock(epoch)})
	require.NoError(t, err)
	defer rec.Close()

	h = newHarness(t, db)
	resp, body := h.get(t, "/api/runs?limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []sqlite.Run
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, rec.RunID(), runs[0].RunID)
	assert.Equal(t, "monitor-test", runs[0].Label)

	resp, body = h.get(t, "/debug/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tailsql")
}

func TestServe_StopsOnCancel(t *testing.T) {
	ws, err := NewWebServer(WebServerConfig{Ingest: &fakeIngest{}, Pipeline: &fakePipeline{}})
	require.NoError(t, err)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Serve(ctx, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	_, err = http.Get("http://" + lis.Addr().String() + "/health")
	assert.Error(t, err)
}

func TestSnapshotPlot_NoPose(t *testing.T) {
	h := newHarness(t, nil)
	h.slot.Offer(&frame.ProcessedFrame{Source: frame.FrameRef{SourceID: "lidar-0", Sequence: 1}})
	snap, ok := h.ws.latestSnapshot()
	require.True(t, ok)
	p, err := SnapshotPlot(snap)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.Title.Text, "lidar-0 #1"))
}
