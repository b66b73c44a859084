package pipeline

import (
	"fmt"
	"runtime"
	"time"

	"github.com/banshee-data/cloudbridge/internal/bridge/perception"
	"github.com/banshee-data/cloudbridge/internal/bridge/registration"
	"github.com/banshee-data/cloudbridge/internal/config"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
)

// reservedThreads is subtracted from GOMAXPROCS for the default pool size:
// one render role and one network role.
const reservedThreads = 2

// Config controls the processing pipeline.
type Config struct {
	// Workers is the pool size. Zero selects GOMAXPROCS minus the render
	// and network roles, with a minimum of one.
	Workers int

	EnableFilter       bool
	EnableSegmentation bool
	EnableRegistration bool
	EnableOccupancy    bool

	Filter       perception.FilterConfig
	Segment      perception.SegmentConfig
	Registration registration.Config

	// RegistrationTimeout bounds one ICP run. Zero disables the budget.
	RegistrationTimeout time.Duration
	// PromotionInterval is the number of consecutive successful
	// registrations after which the frame becomes the new reference. Zero
	// disables interval promotion.
	PromotionInterval int

	OccupancyCellSize        float64
	OccupancyInflationRadius float64

	// Clock stamps results and measures latency. Defaults to the real clock.
	Clock timeutil.Clock
}

// DefaultConfig returns the configuration used when no tuning file is given.
func DefaultConfig() Config {
	return Config{
		EnableFilter:       true,
		EnableSegmentation: true,
		EnableRegistration: true,
		EnableOccupancy:    true,
		Filter: perception.FilterConfig{
			VoxelSize:      0.1,
			MaxPoints:      20000,
			OutlierRemoval: true,
			OutlierK:       8,
			OutlierStdMul:  2.0,
		},
		Segment:                  perception.DefaultSegmentConfig(),
		Registration:             registration.DefaultConfig(),
		RegistrationTimeout:      50 * time.Millisecond,
		PromotionInterval:        10,
		OccupancyCellSize:        0.5,
		OccupancyInflationRadius: 1.0,
	}
}

// ConfigFromTuning builds a Config from the bridge tuning file.
func ConfigFromTuning(cfg *config.BridgeConfig) Config {
	floor, ceiling, band := cfg.GetHeightBand()
	return Config{
		Workers:            cfg.GetWorkerPoolSize(),
		EnableFilter:       cfg.GetEnableFilter(),
		EnableSegmentation: cfg.GetEnableSegmentation(),
		EnableRegistration: cfg.GetEnableRegistration(),
		EnableOccupancy:    cfg.GetEnableOccupancy(),
		Filter: perception.FilterConfig{
			VoxelSize:      cfg.GetVoxelSize(),
			MaxPoints:      cfg.GetMaxPoints(),
			HeightBand:     band,
			FloorHeight:    floor,
			CeilingHeight:  ceiling,
			OutlierRemoval: cfg.GetEnableOutlierRemoval(),
			OutlierK:       cfg.GetOutlierNeighbors(),
			OutlierStdMul:  cfg.GetOutlierStdRatio(),
		},
		Segment: perception.SegmentConfig{
			Eps:             cfg.GetDBSCANEps(),
			MinPoints:       cfg.GetDBSCANMinPoints(),
			PlaneIterations: cfg.GetRANSACIterations(),
			PlaneDistance:   cfg.GetRANSACDistance(),
			PlaneMinInliers: cfg.GetRANSACMinInliers(),
			MaxPlanes:       cfg.GetMaxPlanes(),
			MaxFeatures:     cfg.GetMaxFeatures(),
			Seed:            uint64(cfg.GetSegmentationSeed()),
		},
		Registration: registration.Config{
			MaxIterations:             cfg.GetICPMaxIterations(),
			MaxCorrespondenceDistance: cfg.GetICPMaxCorrespondenceDistance(),
			ConvergenceEpsilon:        cfg.GetICPConvergenceEpsilon(),
			FitThreshold:              cfg.GetRegistrationFitThreshold(),
		},
		RegistrationTimeout:      cfg.GetRegistrationTimeout(),
		PromotionInterval:        cfg.GetReferencePromotionInterval(),
		OccupancyCellSize:        cfg.GetOccupancyCellSize(),
		OccupancyInflationRadius: cfg.GetOccupancyInflationRadius(),
	}
}

// ResolveWorkers returns the pool size Config selects.
func (c Config) ResolveWorkers() (int, error) {
	switch {
	case c.Workers < 0:
		return 0, fmt.Errorf("worker pool size must be non-negative, got %d", c.Workers)
	case c.Workers > 0:
		return c.Workers, nil
	}
	return max(runtime.GOMAXPROCS(0)-reservedThreads, 1), nil
}
