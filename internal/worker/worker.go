// Package worker composes capability limits, the engine host, the Web-API
// shim, the bundle loader, and the invocation dispatcher into the
// Init → Loading → Ready → Serving → … → Terminating lifecycle of one
// function revision's process. It owns no protocol logic of its own.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/KartikBazzad/bunbase/internal/bundle"
	"github.com/KartikBazzad/bunbase/internal/dispatch"
	"github.com/KartikBazzad/bunbase/internal/engine"
	"github.com/KartikBazzad/bunbase/internal/ndjson"
	"github.com/KartikBazzad/bunbase/internal/proto"
	"github.com/KartikBazzad/bunbase/internal/webapi"
)

// Worker runs one function revision's worker process for its lifetime.
type Worker struct {
	cfg   Config
	log   *slog.Logger
	state State
}

// New builds a Worker from a resolved Config. log is expected to write to
// stderr; nothing the Worker does writes to stdout except through the
// ndjson.Writer passed to Run.
func New(cfg Config, log *slog.Logger) *Worker {
	return &Worker{cfg: cfg, log: log, state: StateInit}
}

// Run drives the worker to completion: applies limits, loads the bundle,
// emits ready, then serves invoke records from in until EOF or ctx is
// cancelled between invocations. A non-nil error before the ready record is
// emitted is a startup failure (exit code 1); a nil return is the clean-EOF
// case (exit code 0).
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	w.transition(StateLoading)

	writer := ndjson.NewWriter(out)
	host := engine.New()

	w.cfg.Caps.ApplyLimits(w.log)

	logFunc := func(invokeID, level, message string) {
		rec, err := proto.NewLog(invokeID, level, message)
		if err != nil {
			w.log.Warn("failed to build log record", "error", err)
			return
		}
		if err := writer.Write(rec); err != nil {
			w.log.Error("failed to write log record", "error", err)
		}
	}

	if err := webapi.Install(host, logFunc); err != nil {
		return fmt.Errorf("installing web api shims: %w", err)
	}

	if !w.cfg.Caps.AllowEval {
		host.DisableEval()
	}

	handler, err := bundle.Load(host, w.cfg.BundlePath)
	if err != nil {
		werr, ok := err.(*proto.WireError)
		if !ok {
			werr = proto.NewWireError(proto.CodeBundleLoadError, err.Error(), err)
		}
		if rec, recErr := proto.NewError(proto.BundleInvokeID, werr); recErr == nil {
			_ = writer.Write(rec)
		} else {
			w.log.Error("failed to build bundle-load error record", "error", recErr)
		}
		return fmt.Errorf("loading bundle: %w", err)
	}
	host.SetHandler(handler)

	w.transition(StateReady)
	ready, err := proto.NewReady(w.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("building ready record: %w", err)
	}
	if err := writer.Write(ready); err != nil {
		return fmt.Errorf("writing ready record: %w", err)
	}
	w.log.Info("worker ready", "worker_id", w.cfg.WorkerID, "bundle_path", w.cfg.BundlePath)
	if w.cfg.CapabilitiesJSON != "" {
		w.log.Debug("CAPABILITIES env var present but unparsed", "value", w.cfg.CapabilitiesJSON)
	}

	disp := dispatch.New(host, writer, w.log)
	reader := ndjson.NewReader(in)
	reader.OnSkip = func(reason string) {
		w.log.Warn("skipping malformed stdin line", "reason", reason)
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("shutdown signal observed between invocations, stopping")
			w.transition(StateTerminating)
			return nil
		default:
		}

		rec, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.transition(StateTerminating)
				w.log.Info("stdin closed, terminating")
				return nil
			}
			return fmt.Errorf("reading stdin: %w", err)
		}

		if rec.Type != proto.TypeInvoke {
			continue // non-invoke record types are ignored
		}

		w.transition(StateServing)
		if err := disp.Dispatch(rec); err != nil {
			return fmt.Errorf("writing wire record: %w", err)
		}
		w.transition(StateReady)
	}
}

func (w *Worker) transition(next State) {
	w.log.Debug("state transition", "from", w.state, "to", next)
	w.state = next
}
