package capability

import (
	"io"
	"log/slog"
	"testing"
)

func TestFromEnvPresenceGrants(t *testing.T) {
	t.Setenv("ALLOW_EVAL", "")
	t.Setenv("ALLOW_NETWORK", "1")

	s := FromEnv()
	if !s.AllowEval {
		t.Error("AllowEval = false, want true for present-but-empty ALLOW_EVAL")
	}
	if !s.AllowNetwork {
		t.Error("AllowNetwork = false, want true")
	}
	if s.AllowFilesystem {
		t.Error("AllowFilesystem = true, want false when ALLOW_FILESYSTEM is unset")
	}
}

func TestFromEnvMalformedLimitsTreatedAsUnset(t *testing.T) {
	t.Setenv("MAX_MEMORY", "not-a-number")
	s := FromEnv()
	if s.MaxMemoryBytes != 0 {
		t.Errorf("MaxMemoryBytes = %d, want 0 for malformed input", s.MaxMemoryBytes)
	}
}

func TestFromEnvParsesLimits(t *testing.T) {
	t.Setenv("MAX_MEMORY", "1048576")
	t.Setenv("MAX_FDS", "64")
	s := FromEnv()
	if s.MaxMemoryBytes != 1048576 {
		t.Errorf("MaxMemoryBytes = %d, want 1048576", s.MaxMemoryBytes)
	}
	if s.MaxFDs != 64 {
		t.Errorf("MaxFDs = %d, want 64", s.MaxFDs)
	}
}

func TestApplyLimitsDoesNotPanicWithoutCaps(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := Set{}
	s.ApplyLimits(log) // no MAX_MEMORY/MAX_FDS set: must be a no-op
}
