package proto

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewInvokeDecodeRoundtrip(t *testing.T) {
	p := InvokePayload{
		Method:  "POST",
		Path:    "/items",
		Headers: map[string]string{"content-type": "application/json"},
		Query:   map[string]string{"q": "1"},
		Body:    "eyJhIjoxfQ==",
	}
	rec, err := NewInvoke("abc-1", p)
	if err != nil {
		t.Fatalf("NewInvoke() failed: %v", err)
	}
	if rec.Type != TypeInvoke {
		t.Errorf("Type = %q, want %q", rec.Type, TypeInvoke)
	}
	if rec.ID != "abc-1" {
		t.Errorf("ID = %q, want %q", rec.ID, "abc-1")
	}

	got, err := DecodeInvoke(rec)
	if err != nil {
		t.Fatalf("DecodeInvoke() failed: %v", err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("DecodeInvoke() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeInvokeMalformedPayload(t *testing.T) {
	rec := Record{ID: "x", Type: TypeInvoke, Payload: json.RawMessage(`"not an object"`)}
	if _, err := DecodeInvoke(rec); err == nil {
		t.Fatal("DecodeInvoke() on a non-object payload should return an error")
	}
}

func TestNewErrorPayloadShape(t *testing.T) {
	werr := NewWireError(CodeHandlerError, "boom", nil)
	rec, err := NewError("inv-1", werr)
	if err != nil {
		t.Fatalf("NewError() failed: %v", err)
	}
	var p ErrorPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Code != CodeHandlerError || p.Message != "boom" {
		t.Errorf("payload = %+v, want code=%q message=%q", p, CodeHandlerError, "boom")
	}
}

func TestRecordJSONShape(t *testing.T) {
	rec, err := NewLog("inv-1", LevelInfo, "hello")
	if err != nil {
		t.Fatalf("NewLog() failed: %v", err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		t.Fatalf("unmarshal as map: %v", err)
	}
	for _, key := range []string{"id", "type", "payload"} {
		if _, ok := asMap[key]; !ok {
			t.Errorf("encoded record missing top-level key %q", key)
		}
	}
}
