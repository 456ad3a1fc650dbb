// Package engine owns the embedded JavaScript runtime: one goja.Runtime and
// one retained handler callable, for the process lifetime of the worker.
package engine

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// Host wraps a single goja.Runtime and the one handler callable retained
// after bundle load. It is not safe for concurrent use; the worker's
// single-threaded cooperative model means nothing ever needs it to be.
type Host struct {
	vm      *goja.Runtime
	handler goja.Callable

	mu              sync.Mutex // guards currentInvokeID only, touched by the console shim
	currentInvokeID string
}

// New creates a Host with a fresh runtime. No shims are installed yet;
// callers install the Web-API shim (internal/webapi) before loading a
// bundle.
func New() *Host {
	return &Host{vm: goja.New()}
}

// Runtime exposes the underlying goja.Runtime for packages (webapi, bundle,
// dispatch) that need direct object/value construction the Host's own
// methods don't cover. Kept deliberately narrow everywhere else.
func (h *Host) Runtime() *goja.Runtime {
	return h.vm
}

// Eval evaluates src in global scope, for installing shims. name is used
// only for stack traces.
func (h *Host) Eval(name, src string) (goja.Value, error) {
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	v, err := h.vm.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("eval %s: %w", name, err)
	}
	return v, nil
}

// DisableEval removes the eval and Function bindings from the guest global
// object. Must be called after all shims are installed and before the
// bundle is loaded.
func (h *Host) DisableEval() {
	global := h.vm.GlobalObject()
	_ = global.Delete("eval")
	_ = global.Delete("Function")
}

// SetHandler retains fn as the bundle's handler for the process lifetime.
func (h *Host) SetHandler(fn goja.Callable) {
	h.handler = fn
}

// HasHandler reports whether a handler has been retained.
func (h *Host) HasHandler() bool {
	return h.handler != nil
}

// CallHandler invokes the retained handler with the given arguments.
func (h *Host) CallHandler(args ...goja.Value) (goja.Value, error) {
	return h.handler(goja.Undefined(), args...)
}

// Call invokes an arbitrary callable, e.g. one pulled off a module namespace
// during bundle load before it is known to be the handler.
func (h *Host) Call(fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	return fn(goja.Undefined(), args...)
}

// SetCurrentInvokeID records which invocation's handler frame is on the
// guest stack, so the console shim can tag outgoing log records. Cleared by
// the dispatcher on every exit path.
func (h *Host) SetCurrentInvokeID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentInvokeID = id
}

// CurrentInvokeID returns the invocation id set by SetCurrentInvokeID, or ""
// if no invocation is in progress.
func (h *Host) CurrentInvokeID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentInvokeID
}

// Await returns a Promise's fulfillment value, or its rejection as an error;
// any other v is returned unchanged. It checks the promise's state once and
// does not run the job queue itself: goja resolves a promise's reaction jobs as part of unwinding the Go call
// stack back to depth zero, so by the time a Call/Eval/RunProgram call has
// already returned, any promise chain with no pending macrotask (timer,
// capability-gated I/O) has already settled. A promise still pending past
// that point means the guest awaited something this host never provides.
func (h *Host) Await(v goja.Value) (goja.Value, error) {
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("promise rejected: %s", describe(h.vm, promise.Result()))
	default:
		return nil, fmt.Errorf("promise did not settle: guest awaited unsupported async I/O")
	}
}

func describe(vm *goja.Runtime, v goja.Value) string {
	if v == nil {
		return "<nil>"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}
