package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override, e.g.
// CLOUDBRIDGE_INGEST_QUEUE_CAPACITY=8.
const EnvPrefix = "CLOUDBRIDGE_"

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set are not overwritten. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from CLOUDBRIDGE_* variables in the process
// environment and re-validates the result.
func (c *BridgeConfig) ApplyEnv() error {
	return c.ApplyEnvFrom(os.LookupEnv)
}

// ApplyEnvFrom is ApplyEnv with an injectable lookup, for tests.
func (c *BridgeConfig) ApplyEnvFrom(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	var errs []error
	setInt := func(key string, dst **int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = ptrInt(n)
		}
	}
	setFloat := func(key string, dst **float64) {
		if v, ok := get(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = ptrFloat64(f)
		}
	}
	setBool := func(key string, dst **bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = ptrBool(b)
		}
	}

	setInt("INGEST_QUEUE_CAPACITY", &c.IngestQueueCapacity)
	if v, ok := get("DROP_POLICY"); ok {
		c.DropPolicy = ptrString(v)
	}
	setInt("WORKER_POOL_SIZE", &c.WorkerPoolSize)
	setFloat("VOXEL_SIZE", &c.VoxelSize)
	setFloat("REGISTRATION_FIT_THRESHOLD", &c.RegistrationFitThreshold)
	setInt("REFERENCE_PROMOTION_INTERVAL", &c.ReferencePromotionInterval)
	setInt("REGISTRATION_TIMEOUT_MS", &c.RegistrationTimeoutMs)
	setInt("STALENESS_THRESHOLD_MS", &c.StalenessThresholdMs)
	setInt("MAX_POINTS", &c.MaxPoints)
	setBool("ACCEPT_UNKNOWN_SOURCES", &c.AcceptUnknownSources)
	setFloat("RENDER_TICK_HZ", &c.RenderTickHz)
	if v, ok := get("SOURCES"); ok {
		var srcs []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				srcs = append(srcs, s)
			}
		}
		c.Sources = srcs
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return c.Validate()
}
