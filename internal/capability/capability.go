// Package capability parses the worker's capability set from the process
// environment and applies best-effort resource limits before the engine is
// created.
package capability

import (
	"log/slog"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Set is an immutable capability record derived once from the environment.
type Set struct {
	AllowFilesystem   bool
	AllowNetwork      bool
	AllowChildProcess bool
	AllowEval         bool
	MaxMemoryBytes    uint64 // 0 = unset
	MaxFDs            uint64 // 0 = unset
}

// FromEnv reads ALLOW_*, MAX_MEMORY, and MAX_FDS from the environment.
// Presence of an ALLOW_* variable (any value, including empty) grants that
// capability. Malformed MAX_MEMORY/MAX_FDS values are treated as unset.
func FromEnv() Set {
	return Set{
		AllowFilesystem:   present("ALLOW_FILESYSTEM"),
		AllowNetwork:      present("ALLOW_NETWORK"),
		AllowChildProcess: present("ALLOW_CHILD_PROCESS"),
		AllowEval:         present("ALLOW_EVAL"),
		MaxMemoryBytes:    envUint("MAX_MEMORY"),
		MaxFDs:            envUint("MAX_FDS"),
	}
}

func present(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

func envUint(name string) uint64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ApplyLimits lowers the process's address-space and open-file soft limits
// to the capability set's caps, never above the current hard limit.
// Failure to lower a limit is logged and non-fatal: some hosts (notably
// macOS) do not honor RLIMIT_AS at all.
func (s Set) ApplyLimits(log *slog.Logger) {
	if s.MaxMemoryBytes > 0 {
		lowerRlimit(log, unix.RLIMIT_AS, "memory", s.MaxMemoryBytes)
	}
	if s.MaxFDs > 0 {
		lowerRlimit(log, unix.RLIMIT_NOFILE, "file descriptor", s.MaxFDs)
	}
}

func lowerRlimit(log *slog.Logger, resource int, label string, want uint64) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(resource, &rlim); err != nil {
		log.Warn("failed to read rlimit, skipping cap", "resource", label, "error", err)
		return
	}
	newCur := want
	if rlim.Max != unix.RLIM_INFINITY && newCur > rlim.Max {
		newCur = rlim.Max
	}
	rlim.Cur = newCur
	if err := unix.Setrlimit(resource, &rlim); err != nil {
		log.Warn("failed to lower rlimit, continuing without cap", "resource", label, "want", want, "error", err)
	}
}
