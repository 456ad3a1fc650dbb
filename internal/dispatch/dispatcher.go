// Package dispatch drives one invoke record at a time through the retained
// guest handler: build a Request, call the handler, await its result,
// extract a Response, and emit exactly one response or error record.
package dispatch

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"

	"github.com/KartikBazzad/bunbase/internal/engine"
	"github.com/KartikBazzad/bunbase/internal/ndjson"
	"github.com/KartikBazzad/bunbase/internal/proto"
)

// requestBase is the fixed base URL every invocation's path is resolved
// against. Only path, query and origin-relative routing matter to a
// handler; no request in this design ever crosses a real network boundary.
const requestBase = "http://localhost"

// Dispatcher owns the write side of the wire protocol and the one Host
// whose retained handler it calls, one invocation at a time.
type Dispatcher struct {
	host *engine.Host
	out  *ndjson.Writer
	log  *slog.Logger
}

// New builds a Dispatcher. log receives stderr diagnostics only; wire
// records always go through out.
func New(host *engine.Host, out *ndjson.Writer, log *slog.Logger) *Dispatcher {
	return &Dispatcher{host: host, out: out, log: log}
}

// Dispatch handles one invoke record end to end. It returns an error only
// when writing a wire record itself fails: a broken stdout pipe, which the
// caller should treat as fatal. Every invocation-level failure (bad
// payload, request construction, handler throw/rejection) is reported as
// an "error" record and never propagated as a Go error.
func (d *Dispatcher) Dispatch(rec proto.Record) error {
	id := rec.ID
	d.host.SetCurrentInvokeID(id)
	defer d.host.SetCurrentInvokeID("")

	payload, err := proto.DecodeInvoke(rec)
	if err != nil {
		return d.emitError(id, proto.CodeInvalidMessage, "malformed invoke payload: "+err.Error())
	}

	if !d.host.HasHandler() {
		return d.emitError(id, proto.CodeHandlerNotLoaded, "no handler retained for this worker")
	}

	reqObj, err := d.buildRequest(payload)
	if err != nil {
		return d.emitError(id, proto.CodeRequestCreationError, err.Error())
	}

	result, err := d.host.CallHandler(reqObj)
	if err != nil {
		return d.emitError(id, proto.CodeHandlerError, describeErr(err))
	}

	result, err = d.host.Await(result)
	if err != nil {
		return d.emitError(id, proto.CodeHandlerError, describeErr(err))
	}

	resp, err := d.extractResponse(result)
	if err != nil {
		return d.emitError(id, proto.CodeHandlerError, err.Error())
	}

	out, err := proto.NewResponse(id, resp)
	if err != nil {
		return d.emitError(id, proto.CodeUnknownError, err.Error())
	}
	return d.out.Write(out)
}

// buildRequest constructs a guest Request object host-side: a URL built
// from path against requestBase with query entries applied via
// searchParams.set, then a Request over that URL's string form, the
// invoke's method and headers, and its body run through the guest atob.
// Building it through vm.New/object construction instead of assembling a
// JS source snippet removes both the injection surface and the extra
// parse a string-eval approach would need.
func (d *Dispatcher) buildRequest(p proto.InvokePayload) (*goja.Object, error) {
	vm := d.host.Runtime()

	urlCtor := vm.Get("URL")
	urlCtorObj, ok := urlCtor.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("URL constructor unavailable")
	}
	urlObj, err := vm.New(urlCtorObj, vm.ToValue(p.Path), vm.ToValue(requestBase))
	if err != nil {
		return nil, fmt.Errorf("constructing URL: %w", err)
	}

	if len(p.Query) > 0 {
		searchParams, ok := urlObj.Get("searchParams").(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("URL.searchParams unavailable")
		}
		setFn, ok := goja.AssertFunction(searchParams.Get("set"))
		if !ok {
			return nil, fmt.Errorf("URLSearchParams.set unavailable")
		}
		for k, v := range p.Query {
			if _, err := setFn(searchParams, vm.ToValue(k), vm.ToValue(v)); err != nil {
				return nil, fmt.Errorf("setting query %q: %w", k, err)
			}
		}
	}

	toStringFn, ok := goja.AssertFunction(urlObj.Get("toString"))
	if !ok {
		return nil, fmt.Errorf("URL.toString unavailable")
	}
	urlStr, err := toStringFn(urlObj)
	if err != nil {
		return nil, fmt.Errorf("stringifying URL: %w", err)
	}

	var body goja.Value = goja.Null()
	if p.Body != "" {
		atobFn, ok := goja.AssertFunction(vm.Get("atob"))
		if !ok {
			return nil, fmt.Errorf("atob unavailable")
		}
		decoded, err := atobFn(goja.Undefined(), vm.ToValue(p.Body))
		if err != nil {
			return nil, fmt.Errorf("decoding body: %w", err)
		}
		body = decoded
	}

	init := vm.NewObject()
	_ = init.Set("method", p.Method)
	if len(p.Headers) > 0 {
		_ = init.Set("headers", p.Headers)
	}
	_ = init.Set("body", body)

	reqCtor := vm.Get("Request")
	reqCtorObj, ok := reqCtor.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("Request constructor unavailable")
	}
	reqObj, err := vm.New(reqCtorObj, urlStr, init)
	if err != nil {
		return nil, fmt.Errorf("constructing Request: %w", err)
	}
	return reqObj, nil
}

// extractResponse reads status, headers, and body off an awaited handler
// result. Headers come from the result's headers field: its _headers map
// (the shim's internal case-normalized map) if it has one, else the headers
// value itself. A result with no headers object yields no headers.
func (d *Dispatcher) extractResponse(v goja.Value) (proto.ResponsePayload, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return proto.ResponsePayload{}, fmt.Errorf("handler returned no value")
	}
	obj := v.ToObject(d.host.Runtime())

	status := 200
	if sv := obj.Get("status"); sv != nil && !goja.IsUndefined(sv) {
		status = int(sv.ToInteger())
	}

	headers := d.extractHeaders(obj.Get("headers"))

	body := ""
	if bv := obj.Get("body"); bv != nil && !goja.IsUndefined(bv) && !goja.IsNull(bv) {
		body = base64.StdEncoding.EncodeToString(bodyBytes(bv.String()))
	}

	return proto.ResponsePayload{Status: status, Headers: headers, Body: body}, nil
}

func (d *Dispatcher) extractHeaders(v goja.Value) map[string]string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	source := obj
	if internal, ok := obj.Get("_headers").(*goja.Object); ok {
		source = internal
	}
	exported, ok := source.Export().(map[string]interface{})
	if !ok {
		return nil
	}
	headers := make(map[string]string, len(exported))
	for k, val := range exported {
		headers[k] = fmt.Sprint(val)
	}
	return headers
}

func (d *Dispatcher) emitError(id, code, message string) error {
	rec, err := proto.NewError(id, proto.NewWireError(code, message, nil))
	if err != nil {
		return err
	}
	return d.out.Write(rec)
}

func describeErr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
