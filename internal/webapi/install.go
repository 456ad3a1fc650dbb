package webapi

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/KartikBazzad/bunbase/internal/engine"
	"github.com/KartikBazzad/bunbase/internal/proto"
)

// LogFunc receives one console.* call, already stringified and tagged with
// the level console.* was called as.
type LogFunc func(invokeID, level, message string)

// Install evaluates the fixed shim sequence into h's runtime and binds the
// host-side logging callback the console shim calls through. Must run
// before a bundle is loaded, and before Host.DisableEval if ALLOW_EVAL is
// unset.
func Install(h *engine.Host, log LogFunc) error {
	if err := bindConsoleBridge(h, log); err != nil {
		return err
	}
	for _, shim := range shims {
		if _, err := h.Eval(shim.name, shim.src); err != nil {
			return fmt.Errorf("webapi: install %s: %w", shim.name, err)
		}
	}
	return nil
}

// bindConsoleBridge exposes __bunbase_log(level, message) to guest code.
// It is an internal wire name between host and the console shim, never
// part of any guest-facing API surface.
func bindConsoleBridge(h *engine.Host, log LogFunc) error {
	bridge := func(call goja.FunctionCall) goja.Value {
		level := proto.LevelInfo
		message := ""
		if len(call.Arguments) >= 2 {
			level = call.Argument(0).String()
			message = call.Argument(1).String()
		} else if len(call.Arguments) == 1 {
			message = call.Argument(0).String()
		}
		id := h.CurrentInvokeID()
		if id == "" {
			id = proto.BundleConsoleID
		}
		if log != nil {
			log(id, level, message)
		}
		return goja.Undefined()
	}
	return h.Runtime().Set("__bunbase_log", bridge)
}
