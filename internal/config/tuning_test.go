package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEmptyBridgeConfigDefaults(t *testing.T) {
	cfg := EmptyBridgeConfig()

	if got := cfg.GetIngestQueueCapacity(); got != 4 {
		t.Errorf("GetIngestQueueCapacity() = %d, want 4", got)
	}
	if got := cfg.GetDropPolicy(); got != DropPolicyOldest {
		t.Errorf("GetDropPolicy() = %q, want %q", got, DropPolicyOldest)
	}
	if got := cfg.GetWorkerPoolSize(); got != 0 {
		t.Errorf("GetWorkerPoolSize() = %d, want 0 (auto)", got)
	}
	if got := cfg.GetVoxelSize(); got != 0.1 {
		t.Errorf("GetVoxelSize() = %f, want 0.1", got)
	}
	if got := cfg.GetRegistrationFitThreshold(); got != 0.6 {
		t.Errorf("GetRegistrationFitThreshold() = %f, want 0.6", got)
	}
	if got := cfg.GetReferencePromotionInterval(); got != 10 {
		t.Errorf("GetReferencePromotionInterval() = %d, want 10", got)
	}
	if got := cfg.GetRegistrationTimeout(); got != 50*time.Millisecond {
		t.Errorf("GetRegistrationTimeout() = %v, want 50ms", got)
	}
	if got := cfg.GetStalenessThreshold(); got != 500*time.Millisecond {
		t.Errorf("GetStalenessThreshold() = %v, want 500ms", got)
	}
	if !cfg.GetAcceptUnknownSources() {
		t.Error("GetAcceptUnknownSources() should default to true without a source list")
	}
	if _, _, ok := cfg.GetHeightBand(); ok {
		t.Error("height band should be disabled by default")
	}
	if got := cfg.GetRenderTick(); got != time.Second/30 {
		t.Errorf("GetRenderTick() = %v", got)
	}
}

func TestAcceptUnknownSourcesFollowsSourceList(t *testing.T) {
	cfg := &BridgeConfig{Sources: []string{"lidar-0"}}
	if cfg.GetAcceptUnknownSources() {
		t.Error("an explicit source list should reject unknown sources by default")
	}
	cfg.AcceptUnknownSources = ptrBool(true)
	if !cfg.GetAcceptUnknownSources() {
		t.Error("explicit accept_unknown_sources=true ignored")
	}
}

func TestLoadBridgeConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bridge.json")

	testJSON := `{
  "ingest_queue_capacity": 2,
  "drop_policy": "reject-newest",
  "worker_pool_size": 3,
  "voxel_size": 0.25,
  "registration_fit_threshold": 0.8,
  "reference_promotion_interval": 3,
  "registration_timeout_ms": 20,
  "staleness_threshold_ms": 1000,
  "sources": ["lidar-0", "lidar-1"],
  "height_floor": -1.0
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadBridgeConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetIngestQueueCapacity() != 2 {
		t.Errorf("ingest_queue_capacity = %d, want 2", cfg.GetIngestQueueCapacity())
	}
	if cfg.GetDropPolicy() != DropPolicyNewest {
		t.Errorf("drop_policy = %q, want %q", cfg.GetDropPolicy(), DropPolicyNewest)
	}
	if cfg.GetWorkerPoolSize() != 3 {
		t.Errorf("worker_pool_size = %d, want 3", cfg.GetWorkerPoolSize())
	}
	if cfg.GetVoxelSize() != 0.25 {
		t.Errorf("voxel_size = %f, want 0.25", cfg.GetVoxelSize())
	}
	if cfg.GetRegistrationFitThreshold() != 0.8 {
		t.Errorf("registration_fit_threshold = %f", cfg.GetRegistrationFitThreshold())
	}
	if cfg.GetReferencePromotionInterval() != 3 {
		t.Errorf("reference_promotion_interval = %d", cfg.GetReferencePromotionInterval())
	}
	if cfg.GetRegistrationTimeout() != 20*time.Millisecond {
		t.Errorf("registration_timeout_ms = %v", cfg.GetRegistrationTimeout())
	}
	if cfg.GetStalenessThreshold() != time.Second {
		t.Errorf("staleness_threshold_ms = %v", cfg.GetStalenessThreshold())
	}
	if len(cfg.Sources) != 2 || cfg.GetAcceptUnknownSources() {
		t.Errorf("sources = %v accept_unknown=%v", cfg.Sources, cfg.GetAcceptUnknownSources())
	}
	floor, ceiling, ok := cfg.GetHeightBand()
	if !ok || floor != -1.0 || ceiling < 1e8 {
		t.Errorf("height band = %v %v %v", floor, ceiling, ok)
	}

	// Fields not in the file fall back to defaults.
	if cfg.GetMaxPoints() != 20000 {
		t.Errorf("max_points default = %d", cfg.GetMaxPoints())
	}
}

func TestLoadBridgeConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"wrong extension", write("bridge.yaml", "{}"), ".json extension"},
		{"missing file", filepath.Join(tmpDir, "missing.json"), "failed to stat"},
		{"bad json", write("bad.json", "{"), "failed to parse"},
		{"zero capacity", write("cap.json", `{"ingest_queue_capacity": 0}`), "ingest_queue_capacity"},
		{"bad policy", write("policy.json", `{"drop_policy": "block"}`), "drop_policy"},
		{"threshold range", write("fit.json", `{"registration_fit_threshold": 1.5}`), "registration_fit_threshold"},
		{"promotion interval", write("promo.json", `{"reference_promotion_interval": 0}`), "reference_promotion_interval"},
		{"height band", write("band.json", `{"height_floor": 2, "height_ceiling": 1}`), "height_floor"},
		{"flush interval", write("flush.json", `{"recorder_flush_interval": "soon"}`), "recorder_flush_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBridgeConfig(tt.path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadBridgeConfig_TooLarge(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.json")
	if err := os.WriteFile(p, make([]byte, 1024*1024+1), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBridgeConfig(p); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.IngestQueueCapacity == nil {
		t.Fatal("defaults file should set ingest_queue_capacity explicitly")
	}
	if cfg.GetDropPolicy() != DropPolicyOldest {
		t.Errorf("default drop policy = %q", cfg.GetDropPolicy())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults file fails validation: %v", err)
	}
}

func TestApplyEnvFrom(t *testing.T) {
	env := map[string]string{
		"CLOUDBRIDGE_INGEST_QUEUE_CAPACITY":  "8",
		"CLOUDBRIDGE_DROP_POLICY":            "reject-newest",
		"CLOUDBRIDGE_VOXEL_SIZE":             "0.3",
		"CLOUDBRIDGE_ACCEPT_UNKNOWN_SOURCES": "false",
		"CLOUDBRIDGE_SOURCES":                "lidar-0, lidar-1,,",
		"CLOUDBRIDGE_WORKER_POOL_SIZE":       "  ",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := EmptyBridgeConfig()
	if err := cfg.ApplyEnvFrom(lookup); err != nil {
		t.Fatalf("ApplyEnvFrom: %v", err)
	}
	if cfg.GetIngestQueueCapacity() != 8 {
		t.Errorf("capacity = %d", cfg.GetIngestQueueCapacity())
	}
	if cfg.GetDropPolicy() != DropPolicyNewest {
		t.Errorf("policy = %q", cfg.GetDropPolicy())
	}
	if cfg.GetVoxelSize() != 0.3 {
		t.Errorf("voxel = %f", cfg.GetVoxelSize())
	}
	if cfg.GetAcceptUnknownSources() {
		t.Error("accept_unknown_sources override ignored")
	}
	if len(cfg.Sources) != 2 || cfg.Sources[1] != "lidar-1" {
		t.Errorf("sources = %v", cfg.Sources)
	}
	if cfg.WorkerPoolSize != nil {
		t.Error("blank variable should not override")
	}
}

func TestApplyEnvFrom_InvalidValues(t *testing.T) {
	env := map[string]string{
		"CLOUDBRIDGE_INGEST_QUEUE_CAPACITY": "many",
		"CLOUDBRIDGE_VOXEL_SIZE":            "big",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	err := EmptyBridgeConfig().ApplyEnvFrom(lookup)
	if err == nil {
		t.Fatal("expected parse errors")
	}
	for _, key := range []string{"INGEST_QUEUE_CAPACITY", "VOXEL_SIZE"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}

	env = map[string]string{"CLOUDBRIDGE_INGEST_QUEUE_CAPACITY": "0"}
	if err := EmptyBridgeConfig().ApplyEnvFrom(lookup); err == nil {
		t.Error("override producing an invalid config should fail validation")
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := LoadEnvFile(""); err != nil {
		t.Errorf("empty path: %v", err)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}

	p := filepath.Join(t.TempDir(), "bridge.env")
	if err := os.WriteFile(p, []byte("CLOUDBRIDGE_TEST_ONLY_KEY=hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("CLOUDBRIDGE_TEST_ONLY_KEY") })
	if err := LoadEnvFile(p); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("CLOUDBRIDGE_TEST_ONLY_KEY"); got != "hello" {
		t.Errorf("env not loaded, got %q", got)
	}
}
