// Package bundle compiles and executes the user-supplied JS module and
// resolves its callable handler export.
package bundle

import (
	"fmt"
	"os"
	"regexp"

	"github.com/dop251/goja"

	"github.com/KartikBazzad/bunbase/internal/engine"
	"github.com/KartikBazzad/bunbase/internal/proto"
)

// MaxBundleBytes is the largest accepted bundle file.
const MaxBundleBytes = 10 * 1024 * 1024

var (
	reExportDefault      = regexp.MustCompile(`(?m)^(\s*)export\s+default\s+`)
	reExportConstHandler = regexp.MustCompile(`(?m)^(\s*)export\s+const\s+handler\b`)
	reExportFuncHandler  = regexp.MustCompile(`(?m)^(\s*)export\s+(async\s+)?function\s+handler\b`)
	reStrayImportExport  = regexp.MustCompile(`(?m)^\s*(import\s|export\s|export\{|export\s*\{)`)
)

// Load reads path, rewrites it from single-file-module export syntax into
// two global bindings, executes it, awaits any top-level promise, and
// returns the retained handler. Any failure is a *proto.WireError with
// Code == proto.CodeBundleLoadError.
func Load(h *engine.Host, path string) (goja.Callable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, proto.NewWireError(proto.CodeBundleLoadError, "failed to read bundle: "+err.Error(), err)
	}
	if len(raw) > MaxBundleBytes {
		return nil, proto.NewWireError(proto.CodeBundleLoadError,
			fmt.Sprintf("bundle too large: %d bytes (max %d)", len(raw), MaxBundleBytes), nil)
	}

	rewritten, err := rewriteExports(string(raw))
	if err != nil {
		return nil, proto.NewWireError(proto.CodeBundleLoadError, err.Error(), err)
	}

	wrapped := "(async function () {\n" + rewritten + "\n" +
		"if (typeof handler !== 'undefined' && typeof globalThis.__bunbase_handler === 'undefined') {\n" +
		"  globalThis.__bunbase_handler = handler;\n" +
		"}\n" +
		"})()"

	result, err := h.Eval(path, wrapped)
	if err != nil {
		return nil, proto.NewWireError(proto.CodeBundleLoadError, "failed to compile/execute bundle: "+err.Error(), err)
	}

	if _, err := h.Await(result); err != nil {
		return nil, proto.NewWireError(proto.CodeBundleLoadError, "bundle top-level execution failed: "+err.Error(), err)
	}

	global := h.Runtime().GlobalObject()

	if fn, ok := asCallable(global.Get("__bunbase_default")); ok {
		return fn, nil
	}
	if fn, ok := asCallable(global.Get("__bunbase_handler")); ok {
		return fn, nil
	}
	return nil, proto.NewWireError(proto.CodeBundleLoadError, "No handler function found", nil)
}

func asCallable(v goja.Value) (goja.Callable, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	return goja.AssertFunction(v)
}

// rewriteExports turns the narrow set of export shapes a single-file bundle
// is expected to use into global assignments goja (which has no ES module
// loader) can execute directly. Any other export/import syntax surviving
// the rewrite is reported rather than left to surface as a confusing
// ReferenceError deep inside guest execution.
func rewriteExports(src string) (string, error) {
	out := reExportDefault.ReplaceAllString(src, "${1}globalThis.__bunbase_default = ")
	out = reExportConstHandler.ReplaceAllString(out, "${1}const handler")
	out = reExportFuncHandler.ReplaceAllString(out, "${1}${2}function handler")

	if loc := reStrayImportExport.FindStringIndex(out); loc != nil {
		return "", fmt.Errorf("bundle contains unsupported import/export syntax at byte offset %d; expected a single self-contained module with a default export or a 'handler' export", loc[0])
	}
	return out, nil
}
