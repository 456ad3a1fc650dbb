package dispatch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/KartikBazzad/bunbase/internal/bundle"
	"github.com/KartikBazzad/bunbase/internal/engine"
	"github.com/KartikBazzad/bunbase/internal/ndjson"
	"github.com/KartikBazzad/bunbase/internal/proto"
	"github.com/KartikBazzad/bunbase/internal/webapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadHandler(t *testing.T, h *engine.Host, src string) {
	t.Helper()
	path := t.TempDir() + "/bundle.js"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	handler, err := bundle.Load(h, path)
	if err != nil {
		t.Fatalf("bundle.Load() failed: %v", err)
	}
	h.SetHandler(handler)
}

func newDispatcher(t *testing.T, handlerSrc string) (*Dispatcher, *bytes.Buffer) {
	t.Helper()
	h := engine.New()
	if err := webapi.Install(h, nil); err != nil {
		t.Fatalf("webapi.Install() failed: %v", err)
	}
	loadHandler(t, h, handlerSrc)

	var wire bytes.Buffer
	return New(h, ndjson.NewWriter(&wire), testLogger()), &wire
}

func readRecord(t *testing.T, wire *bytes.Buffer) proto.Record {
	t.Helper()
	r := ndjson.NewReader(bytes.NewReader(wire.Bytes()))
	rec, err := r.Next()
	if err != nil {
		t.Fatalf("reading emitted record failed: %v", err)
	}
	return rec
}

func decodeResponse(t *testing.T, rec proto.Record) proto.ResponsePayload {
	t.Helper()
	if rec.Type != proto.TypeResponse {
		t.Fatalf("record type = %q, want %q", rec.Type, proto.TypeResponse)
	}
	var resp proto.ResponsePayload
	if err := json.Unmarshal(rec.Payload, &resp); err != nil {
		t.Fatalf("unmarshal response payload: %v", err)
	}
	return resp
}

func TestDispatchEchoHandler(t *testing.T) {
	d, wire := newDispatcher(t, `
		export default async function (req) {
			const body = await req.text();
			return new Response(body, { status: 201, headers: { "X-Echo": "1" } });
		}
	`)

	inv, err := proto.NewInvoke("inv-1", proto.InvokePayload{
		Method: "POST",
		Path:   "/echo",
		Body:   base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	if err != nil {
		t.Fatalf("NewInvoke() failed: %v", err)
	}
	if err := d.Dispatch(inv); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}

	resp := decodeResponse(t, readRecord(t, wire))
	if resp.Status != 201 {
		t.Errorf("Status = %d, want 201", resp.Status)
	}
	if resp.Headers["x-echo"] != "1" {
		t.Errorf("Headers[x-echo] = %q, want %q", resp.Headers["x-echo"], "1")
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if string(decoded) != "hello" {
		t.Errorf("body = %q, want %q", decoded, "hello")
	}
}

func TestDispatchQueryPropagation(t *testing.T) {
	d, wire := newDispatcher(t, `
		export default function (req) {
			const url = new URL(req.url);
			return new Response(url.searchParams.get("q"));
		}
	`)

	inv, err := proto.NewInvoke("inv-2", proto.InvokePayload{
		Method: "GET",
		Path:   "/search",
		Query:  map[string]string{"q": "socks"},
	})
	if err != nil {
		t.Fatalf("NewInvoke() failed: %v", err)
	}
	if err := d.Dispatch(inv); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}

	resp := decodeResponse(t, readRecord(t, wire))
	decoded, _ := base64.StdEncoding.DecodeString(resp.Body)
	if string(decoded) != "socks" {
		t.Errorf("body = %q, want %q", decoded, "socks")
	}
}

func TestDispatchEmptyBodyAndQuery(t *testing.T) {
	d, wire := newDispatcher(t, `
		export default async function (req) {
			const text = await req.text();
			return new Response(text.length === 0 ? "empty" : "nonempty");
		}
	`)
	inv, err := proto.NewInvoke("inv-3", proto.InvokePayload{Method: "GET", Path: "/"})
	if err != nil {
		t.Fatalf("NewInvoke() failed: %v", err)
	}
	if err := d.Dispatch(inv); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	resp := decodeResponse(t, readRecord(t, wire))
	decoded, _ := base64.StdEncoding.DecodeString(resp.Body)
	if string(decoded) != "empty" {
		t.Errorf("body = %q, want %q", decoded, "empty")
	}
}

func TestDispatchResponseJSON(t *testing.T) {
	d, wire := newDispatcher(t, `
		export default function (req) {
			return Response.json({ok: true, n: 3});
		}
	`)
	inv, err := proto.NewInvoke("inv-4", proto.InvokePayload{Method: "GET", Path: "/"})
	if err != nil {
		t.Fatalf("NewInvoke() failed: %v", err)
	}
	if err := d.Dispatch(inv); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	resp := decodeResponse(t, readRecord(t, wire))
	decoded, _ := base64.StdEncoding.DecodeString(resp.Body)
	var parsed map[string]any
	if err := json.Unmarshal(decoded, &parsed); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if parsed["ok"] != true {
		t.Errorf("parsed[ok] = %v, want true", parsed["ok"])
	}
	if resp.Headers["content-type"] != "application/json" {
		t.Errorf("Headers[content-type] = %q", resp.Headers["content-type"])
	}
}

func TestDispatchBarePromiseHandler(t *testing.T) {
	d, wire := newDispatcher(t, `
		export default function (req) {
			return Promise.resolve(new Response("deferred"));
		}
	`)
	inv, err := proto.NewInvoke("inv-5", proto.InvokePayload{Method: "GET", Path: "/"})
	if err != nil {
		t.Fatalf("NewInvoke() failed: %v", err)
	}
	if err := d.Dispatch(inv); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	resp := decodeResponse(t, readRecord(t, wire))
	decoded, _ := base64.StdEncoding.DecodeString(resp.Body)
	if string(decoded) != "deferred" {
		t.Errorf("body = %q, want %q", decoded, "deferred")
	}
}

func TestDispatchHandlerThrowsSynchronously(t *testing.T) {
	d, wire := newDispatcher(t, `
		export default function (req) {
			throw new Error("kaboom");
		}
	`)
	inv, err := proto.NewInvoke("inv-6", proto.InvokePayload{Method: "GET", Path: "/"})
	if err != nil {
		t.Fatalf("NewInvoke() failed: %v", err)
	}
	if err := d.Dispatch(inv); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	rec := readRecord(t, wire)
	if rec.Type != proto.TypeError {
		t.Fatalf("record type = %q, want %q", rec.Type, proto.TypeError)
	}
	var ep proto.ErrorPayload
	_ = json.Unmarshal(rec.Payload, &ep)
	if ep.Code != proto.CodeHandlerError {
		t.Errorf("Code = %q, want %q", ep.Code, proto.CodeHandlerError)
	}
}

func TestDispatchHandlerRejectsAsync(t *testing.T) {
	d, wire := newDispatcher(t, `
		export default async function (req) {
			throw new Error("async-fail");
		}
	`)
	inv, err := proto.NewInvoke("inv-7", proto.InvokePayload{Method: "GET", Path: "/"})
	if err != nil {
		t.Fatalf("NewInvoke() failed: %v", err)
	}
	if err := d.Dispatch(inv); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	rec := readRecord(t, wire)
	if rec.Type != proto.TypeError {
		t.Fatalf("record type = %q, want %q", rec.Type, proto.TypeError)
	}
	var ep proto.ErrorPayload
	_ = json.Unmarshal(rec.Payload, &ep)
	if ep.Code != proto.CodeHandlerError {
		t.Errorf("Code = %q, want %q", ep.Code, proto.CodeHandlerError)
	}
}

func TestDispatchConsoleCapturedDuringHandler(t *testing.T) {
	var logged []string
	h := engine.New()
	if err := webapi.Install(h, func(invokeID, level, message string) {
		logged = append(logged, invokeID+":"+level+":"+message)
	}); err != nil {
		t.Fatalf("webapi.Install() failed: %v", err)
	}
	loadHandler(t, h, `
		export default function (req) {
			console.log("inside handler");
			return new Response("ok");
		}
	`)

	var wire bytes.Buffer
	d := New(h, ndjson.NewWriter(&wire), testLogger())

	inv, err := proto.NewInvoke("inv-8", proto.InvokePayload{Method: "GET", Path: "/"})
	if err != nil {
		t.Fatalf("NewInvoke() failed: %v", err)
	}
	if err := d.Dispatch(inv); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	if len(logged) != 1 || logged[0] != "inv-8:info:inside handler" {
		t.Errorf("logged = %v, want one entry tagged inv-8", logged)
	}
	if h.CurrentInvokeID() != "" {
		t.Error("CurrentInvokeID() not cleared after Dispatch()")
	}
}

func TestDispatchHandlerNotLoaded(t *testing.T) {
	h := engine.New()
	if err := webapi.Install(h, nil); err != nil {
		t.Fatalf("webapi.Install() failed: %v", err)
	}
	var wire bytes.Buffer
	d := New(h, ndjson.NewWriter(&wire), testLogger())

	inv, err := proto.NewInvoke("inv-9", proto.InvokePayload{Method: "GET", Path: "/"})
	if err != nil {
		t.Fatalf("NewInvoke() failed: %v", err)
	}
	if err := d.Dispatch(inv); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	rec := readRecord(t, &wire)
	var ep proto.ErrorPayload
	_ = json.Unmarshal(rec.Payload, &ep)
	if ep.Code != proto.CodeHandlerNotLoaded {
		t.Errorf("Code = %q, want %q", ep.Code, proto.CodeHandlerNotLoaded)
	}
}
