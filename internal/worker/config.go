package worker

import (
	"fmt"
	"os"

	"github.com/KartikBazzad/bunbase/internal/capability"
)

// Config is everything ConfigFromEnv reads once at startup.
type Config struct {
	WorkerID   string
	BundlePath string
	Caps       capability.Set

	// CapabilitiesJSON is the raw CAPABILITIES env var, reserved for a future
	// JSON capability document. Observed and logged, never parsed.
	CapabilitiesJSON string
}

// ConfigFromEnv reads the fixed set of environment variables the worker
// honors. BUNDLE_PATH missing is the one fatal case; everything else has a
// documented fallback.
func ConfigFromEnv() (Config, error) {
	bundlePath := os.Getenv("BUNDLE_PATH")
	if bundlePath == "" {
		return Config{}, fmt.Errorf("BUNDLE_PATH is required")
	}

	return Config{
		WorkerID:         getEnv("WORKER_ID", fmt.Sprintf("worker-%d", os.Getpid())),
		BundlePath:       bundlePath,
		Caps:             capability.FromEnv(),
		CapabilitiesJSON: os.Getenv("CAPABILITIES"),
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
