package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical bridge defaults file.
const DefaultConfigPath = "config/bridge.defaults.json"

// Accepted values for drop_policy.
const (
	DropPolicyOldest = "drop-oldest"
	DropPolicyNewest = "reject-newest"
)

// BridgeConfig is the root tuning configuration of the bridge. Every field is
// a pointer so that a partial JSON file only overrides what it names; the
// Get* accessors supply defaults for anything left unset.
type BridgeConfig struct {
	// Ingest
	IngestQueueCapacity  *int     `json:"ingest_queue_capacity,omitempty"`
	DropPolicy           *string  `json:"drop_policy,omitempty"`
	StalenessThresholdMs *int     `json:"staleness_threshold_ms,omitempty"`
	Sources              []string `json:"sources,omitempty"`
	AcceptUnknownSources *bool    `json:"accept_unknown_sources,omitempty"`

	// Worker pool and stage toggles
	WorkerPoolSize     *int  `json:"worker_pool_size,omitempty"`
	EnableFilter       *bool `json:"enable_filter,omitempty"`
	EnableSegmentation *bool `json:"enable_segmentation,omitempty"`
	EnableRegistration *bool `json:"enable_registration,omitempty"`
	EnableOccupancy    *bool `json:"enable_occupancy,omitempty"`

	// Filtering
	VoxelSize            *float64 `json:"voxel_size,omitempty"`
	MaxPoints            *int     `json:"max_points,omitempty"`
	EnableOutlierRemoval *bool    `json:"enable_outlier_removal,omitempty"`
	OutlierNeighbors     *int     `json:"outlier_neighbors,omitempty"`
	OutlierStdRatio      *float64 `json:"outlier_std_ratio,omitempty"`
	HeightFloor          *float64 `json:"height_floor,omitempty"`
	HeightCeiling        *float64 `json:"height_ceiling,omitempty"`

	// Segmentation
	DBSCANEps        *float64 `json:"dbscan_eps,omitempty"`
	DBSCANMinPoints  *int     `json:"dbscan_min_points,omitempty"`
	RANSACIterations *int     `json:"ransac_iterations,omitempty"`
	RANSACDistance   *float64 `json:"ransac_distance,omitempty"`
	RANSACMinInliers *int     `json:"ransac_min_inliers,omitempty"`
	MaxPlanes        *int     `json:"max_planes,omitempty"`
	MaxFeatures      *int     `json:"max_features,omitempty"`
	SegmentationSeed *int64   `json:"segmentation_seed,omitempty"`

	// Registration
	RegistrationFitThreshold     *float64 `json:"registration_fit_threshold,omitempty"`
	ReferencePromotionInterval   *int     `json:"reference_promotion_interval,omitempty"`
	RegistrationTimeoutMs        *int     `json:"registration_timeout_ms,omitempty"`
	ICPMaxIterations             *int     `json:"icp_max_iterations,omitempty"`
	ICPMaxCorrespondenceDistance *float64 `json:"icp_max_correspondence_distance,omitempty"`
	ICPConvergenceEpsilon        *float64 `json:"icp_convergence_epsilon,omitempty"`

	// Occupancy projection
	OccupancyCellSize        *float64 `json:"occupancy_cell_size,omitempty"`
	OccupancyInflationRadius *float64 `json:"occupancy_inflation_radius,omitempty"`

	// Render consumers
	RenderTickHz    *float64 `json:"render_tick_hz,omitempty"`
	ViewerMaxPoints *int     `json:"viewer_max_points,omitempty"`

	// Run log
	RecorderFlushInterval *string `json:"recorder_flush_interval,omitempty"` // duration string like "1s"
	RecorderBufferSize    *int    `json:"recorder_buffer_size,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyBridgeConfig returns a BridgeConfig with every field unset.
func EmptyBridgeConfig() *BridgeConfig {
	return &BridgeConfig{}
}

// LoadBridgeConfig loads a BridgeConfig from a JSON file. The file must have a
// .json extension and be under 1MB. Omitted fields keep their defaults.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyBridgeConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *BridgeConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
		"../../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadBridgeConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *BridgeConfig) Validate() error {
	if c.IngestQueueCapacity != nil && *c.IngestQueueCapacity < 1 {
		return fmt.Errorf("ingest_queue_capacity must be at least 1, got %d", *c.IngestQueueCapacity)
	}
	if c.DropPolicy != nil {
		switch strings.ToLower(*c.DropPolicy) {
		case DropPolicyOldest, DropPolicyNewest:
		default:
			return fmt.Errorf("drop_policy must be %q or %q, got %q", DropPolicyOldest, DropPolicyNewest, *c.DropPolicy)
		}
	}
	if c.WorkerPoolSize != nil && *c.WorkerPoolSize < 0 {
		return fmt.Errorf("worker_pool_size must be non-negative, got %d", *c.WorkerPoolSize)
	}
	if c.VoxelSize != nil && *c.VoxelSize < 0 {
		return fmt.Errorf("voxel_size must be non-negative, got %f", *c.VoxelSize)
	}
	if c.RegistrationFitThreshold != nil {
		if v := *c.RegistrationFitThreshold; v < 0 || v > 1 {
			return fmt.Errorf("registration_fit_threshold must be between 0 and 1, got %f", v)
		}
	}
	if c.ReferencePromotionInterval != nil && *c.ReferencePromotionInterval < 1 {
		return fmt.Errorf("reference_promotion_interval must be at least 1, got %d", *c.ReferencePromotionInterval)
	}
	if c.RegistrationTimeoutMs != nil && *c.RegistrationTimeoutMs < 0 {
		return fmt.Errorf("registration_timeout_ms must be non-negative, got %d", *c.RegistrationTimeoutMs)
	}
	if c.StalenessThresholdMs != nil && *c.StalenessThresholdMs < 0 {
		return fmt.Errorf("staleness_threshold_ms must be non-negative, got %d", *c.StalenessThresholdMs)
	}
	if c.MaxPoints != nil && *c.MaxPoints < 0 {
		return fmt.Errorf("max_points must be non-negative, got %d", *c.MaxPoints)
	}
	if c.HeightFloor != nil && c.HeightCeiling != nil && *c.HeightFloor >= *c.HeightCeiling {
		return fmt.Errorf("height_floor (%f) must be below height_ceiling (%f)", *c.HeightFloor, *c.HeightCeiling)
	}
	if c.DBSCANEps != nil && *c.DBSCANEps <= 0 {
		return fmt.Errorf("dbscan_eps must be positive, got %f", *c.DBSCANEps)
	}
	if c.OccupancyCellSize != nil && *c.OccupancyCellSize <= 0 {
		return fmt.Errorf("occupancy_cell_size must be positive, got %f", *c.OccupancyCellSize)
	}
	if c.RenderTickHz != nil && *c.RenderTickHz <= 0 {
		return fmt.Errorf("render_tick_hz must be positive, got %f", *c.RenderTickHz)
	}
	if c.RecorderFlushInterval != nil && *c.RecorderFlushInterval != "" {
		if _, err := time.ParseDuration(*c.RecorderFlushInterval); err != nil {
			return fmt.Errorf("invalid recorder_flush_interval '%s': %w", *c.RecorderFlushInterval, err)
		}
	}
	return nil
}

// GetIngestQueueCapacity returns ingest_queue_capacity or the default.
func (c *BridgeConfig) GetIngestQueueCapacity() int {
	if c.IngestQueueCapacity == nil {
		return 4
	}
	return *c.IngestQueueCapacity
}

// GetDropPolicy returns drop_policy or the default.
func (c *BridgeConfig) GetDropPolicy() string {
	if c.DropPolicy == nil || *c.DropPolicy == "" {
		return DropPolicyOldest
	}
	return strings.ToLower(*c.DropPolicy)
}

// GetStalenessThreshold returns staleness_threshold_ms as a duration.
func (c *BridgeConfig) GetStalenessThreshold() time.Duration {
	if c.StalenessThresholdMs == nil {
		return 500 * time.Millisecond
	}
	return time.Duration(*c.StalenessThresholdMs) * time.Millisecond
}

// GetAcceptUnknownSources returns accept_unknown_sources or the default.
// Without an explicit source list every source is accepted.
func (c *BridgeConfig) GetAcceptUnknownSources() bool {
	if c.AcceptUnknownSources == nil {
		return len(c.Sources) == 0
	}
	return *c.AcceptUnknownSources
}

// GetWorkerPoolSize returns worker_pool_size; zero selects automatic sizing.
func (c *BridgeConfig) GetWorkerPoolSize() int {
	if c.WorkerPoolSize == nil {
		return 0
	}
	return *c.WorkerPoolSize
}

// GetEnableFilter returns enable_filter or the default.
func (c *BridgeConfig) GetEnableFilter() bool { return boolOr(c.EnableFilter, true) }

// GetEnableSegmentation returns enable_segmentation or the default.
func (c *BridgeConfig) GetEnableSegmentation() bool { return boolOr(c.EnableSegmentation, true) }

// GetEnableRegistration returns enable_registration or the default.
func (c *BridgeConfig) GetEnableRegistration() bool { return boolOr(c.EnableRegistration, true) }

// GetEnableOccupancy returns enable_occupancy or the default.
func (c *BridgeConfig) GetEnableOccupancy() bool { return boolOr(c.EnableOccupancy, true) }

// GetVoxelSize returns voxel_size or the default.
func (c *BridgeConfig) GetVoxelSize() float64 {
	if c.VoxelSize == nil {
		return 0.1
	}
	return *c.VoxelSize
}

// GetMaxPoints returns max_points or the default. Zero disables the budget.
func (c *BridgeConfig) GetMaxPoints() int {
	if c.MaxPoints == nil {
		return 20000
	}
	return *c.MaxPoints
}

// GetEnableOutlierRemoval returns enable_outlier_removal or the default.
func (c *BridgeConfig) GetEnableOutlierRemoval() bool { return boolOr(c.EnableOutlierRemoval, true) }

// GetOutlierNeighbors returns outlier_neighbors or the default.
func (c *BridgeConfig) GetOutlierNeighbors() int {
	if c.OutlierNeighbors == nil {
		return 8
	}
	return *c.OutlierNeighbors
}

// GetOutlierStdRatio returns outlier_std_ratio or the default.
func (c *BridgeConfig) GetOutlierStdRatio() float64 {
	if c.OutlierStdRatio == nil {
		return 2.0
	}
	return *c.OutlierStdRatio
}

// GetHeightBand returns the configured floor and ceiling. ok is false when
// neither bound is set.
func (c *BridgeConfig) GetHeightBand() (floor, ceiling float64, ok bool) {
	if c.HeightFloor == nil && c.HeightCeiling == nil {
		return 0, 0, false
	}
	floor, ceiling = -1e9, 1e9
	if c.HeightFloor != nil {
		floor = *c.HeightFloor
	}
	if c.HeightCeiling != nil {
		ceiling = *c.HeightCeiling
	}
	return floor, ceiling, true
}

// GetDBSCANEps returns dbscan_eps or the default.
func (c *BridgeConfig) GetDBSCANEps() float64 {
	if c.DBSCANEps == nil {
		return 0.5
	}
	return *c.DBSCANEps
}

// GetDBSCANMinPoints returns dbscan_min_points or the default.
func (c *BridgeConfig) GetDBSCANMinPoints() int {
	if c.DBSCANMinPoints == nil {
		return 5
	}
	return *c.DBSCANMinPoints
}

// GetRANSACIterations returns ransac_iterations or the default.
func (c *BridgeConfig) GetRANSACIterations() int {
	if c.RANSACIterations == nil {
		return 100
	}
	return *c.RANSACIterations
}

// GetRANSACDistance returns ransac_distance or the default.
func (c *BridgeConfig) GetRANSACDistance() float64 {
	if c.RANSACDistance == nil {
		return 0.05
	}
	return *c.RANSACDistance
}

// GetRANSACMinInliers returns ransac_min_inliers or the default.
func (c *BridgeConfig) GetRANSACMinInliers() int {
	if c.RANSACMinInliers == nil {
		return 50
	}
	return *c.RANSACMinInliers
}

// GetMaxPlanes returns max_planes or the default.
func (c *BridgeConfig) GetMaxPlanes() int {
	if c.MaxPlanes == nil {
		return 3
	}
	return *c.MaxPlanes
}

// GetMaxFeatures returns max_features or the default.
func (c *BridgeConfig) GetMaxFeatures() int {
	if c.MaxFeatures == nil {
		return 32
	}
	return *c.MaxFeatures
}

// GetSegmentationSeed returns segmentation_seed or the default.
func (c *BridgeConfig) GetSegmentationSeed() int64 {
	if c.SegmentationSeed == nil {
		return 1
	}
	return *c.SegmentationSeed
}

// GetRegistrationFitThreshold returns registration_fit_threshold or the default.
func (c *BridgeConfig) GetRegistrationFitThreshold() float64 {
	if c.RegistrationFitThreshold == nil {
		return 0.6
	}
	return *c.RegistrationFitThreshold
}

// GetReferencePromotionInterval returns reference_promotion_interval or the default.
func (c *BridgeConfig) GetReferencePromotionInterval() int {
	if c.ReferencePromotionInterval == nil {
		return 10
	}
	return *c.ReferencePromotionInterval
}

// GetRegistrationTimeout returns registration_timeout_ms as a duration. Zero
// disables the budget.
func (c *BridgeConfig) GetRegistrationTimeout() time.Duration {
	if c.RegistrationTimeoutMs == nil {
		return 50 * time.Millisecond
	}
	return time.Duration(*c.RegistrationTimeoutMs) * time.Millisecond
}

// GetICPMaxIterations returns icp_max_iterations or the default.
func (c *BridgeConfig) GetICPMaxIterations() int {
	if c.ICPMaxIterations == nil {
		return 30
	}
	return *c.ICPMaxIterations
}

// GetICPMaxCorrespondenceDistance returns icp_max_correspondence_distance or the default.
func (c *BridgeConfig) GetICPMaxCorrespondenceDistance() float64 {
	if c.ICPMaxCorrespondenceDistance == nil {
		return 1.0
	}
	return *c.ICPMaxCorrespondenceDistance
}

// GetICPConvergenceEpsilon returns icp_convergence_epsilon or the default.
func (c *BridgeConfig) GetICPConvergenceEpsilon() float64 {
	if c.ICPConvergenceEpsilon == nil {
		return 1e-5
	}
	return *c.ICPConvergenceEpsilon
}

// GetOccupancyCellSize returns occupancy_cell_size or the default.
func (c *BridgeConfig) GetOccupancyCellSize() float64 {
	if c.OccupancyCellSize == nil {
		return 0.5
	}
	return *c.OccupancyCellSize
}

// GetOccupancyInflationRadius returns occupancy_inflation_radius or the default.
func (c *BridgeConfig) GetOccupancyInflationRadius() float64 {
	if c.OccupancyInflationRadius == nil {
		return 1.0
	}
	return *c.OccupancyInflationRadius
}

// GetRenderTickHz returns render_tick_hz or the default.
func (c *BridgeConfig) GetRenderTickHz() float64 {
	if c.RenderTickHz == nil {
		return 30
	}
	return *c.RenderTickHz
}

// GetRenderTick returns the render tick period.
func (c *BridgeConfig) GetRenderTick() time.Duration {
	return time.Duration(float64(time.Second) / c.GetRenderTickHz())
}

// GetViewerMaxPoints returns viewer_max_points or the default.
func (c *BridgeConfig) GetViewerMaxPoints() int {
	if c.ViewerMaxPoints == nil {
		return 5000
	}
	return *c.ViewerMaxPoints
}

// GetRecorderFlushInterval parses recorder_flush_interval.
func (c *BridgeConfig) GetRecorderFlushInterval() time.Duration {
	if c.RecorderFlushInterval == nil || *c.RecorderFlushInterval == "" {
		return time.Second
	}
	d, err := time.ParseDuration(*c.RecorderFlushInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// GetRecorderBufferSize returns recorder_buffer_size or the default.
func (c *BridgeConfig) GetRecorderBufferSize() int {
	if c.RecorderBufferSize == nil {
		return 256
	}
	return *c.RecorderBufferSize
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
