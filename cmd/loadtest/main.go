// Command loadtest drives synthetic NDJSON traffic through a jsworker
// subprocess and reports pass/fail per request.
//
// Pipeline: load requests, shuffle, spawn worker, invoke each one in turn,
// optionally validate its response body against a JSON Schema.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/KartikBazzad/bunbase/internal/ndjson"
	"github.com/KartikBazzad/bunbase/internal/proto"
)

func main() {
	count := flag.Int("count", 0, "Number of requests to send (0 = all)")
	seed := flag.Int("seed", 0, "Random seed for request ordering")
	workerBin := flag.String("worker-bin", "jsworker", "Path to the jsworker binary")
	bundlePath := flag.String("bundle", "", "Path to the bundle under test (sets BUNDLE_PATH)")
	requestsDir := flag.String("requests-dir", "", "Directory of synthetic request JSON files")
	schemaPath := flag.String("schema", "", "Optional JSON Schema every response body is validated against")
	flag.Parse()

	if *bundlePath == "" {
		fmt.Fprintln(os.Stderr, "loadtest: -bundle is required")
		os.Exit(1)
	}
	if *requestsDir == "" {
		*requestsDir = filepath.Join(".", "requests")
	}

	requests, err := loadRequests(*requestsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: failed to load requests: %v\n", err)
		os.Exit(1)
	}

	if *seed != 0 {
		shuffle(requests, uint32(*seed))
	}
	if *count > 0 && *count < len(requests) {
		requests = requests[:*count]
	}

	var schema *jsonschema.Schema
	if *schemaPath != "" {
		schema, err = compileSchema(*schemaPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loadtest: failed to compile schema: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("bunbase loadtest\n")
	fmt.Printf("   worker:   %s\n", *workerBin)
	fmt.Printf("   bundle:   %s\n", *bundlePath)
	fmt.Printf("   requests: %d\n", len(requests))
	fmt.Printf("   seed:     %d\n\n", *seed)

	w, err := startWorker(*workerBin, *bundlePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: failed to start worker: %v\n", err)
		os.Exit(1)
	}
	defer w.close()

	passed, failed := 0, 0
	var totalElapsed time.Duration

	for i, req := range requests {
		fmt.Printf("[%d/%d] %s ... ", i+1, len(requests), req.name)
		ok, elapsed, testErr := runRequest(w, req, schema)
		totalElapsed += elapsed
		if ok {
			passed++
			fmt.Printf("ok (%.3fs)\n", elapsed.Seconds())
		} else {
			failed++
			fmt.Printf("FAIL %v\n", testErr)
		}
	}

	fmt.Printf("\nresults: %d passed, %d failed, %.2fs total\n", passed, failed, totalElapsed.Seconds())
	if failed > 0 {
		os.Exit(1)
	}
}

type requestEntry struct {
	name    string
	payload proto.InvokePayload
}

func loadRequests(dir string) ([]requestEntry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var entries []requestEntry
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, err
		}
		var raw struct {
			Method  string            `json:"method"`
			Path    string            `json:"path"`
			Headers map[string]string `json:"headers"`
			Query   map[string]string `json:"query"`
			Body    string            `json:"body"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name(), err)
		}
		if raw.Method == "" {
			raw.Method = "GET"
		}
		body := ""
		if raw.Body != "" {
			body = base64.StdEncoding.EncodeToString([]byte(raw.Body))
		}
		entries = append(entries, requestEntry{
			name: f.Name(),
			payload: proto.InvokePayload{
				Method:  raw.Method,
				Path:    raw.Path,
				Headers: raw.Headers,
				Query:   raw.Query,
				Body:    body,
			},
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

func compileSchema(path string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := compiler.AddResource(path, f); err != nil {
		return nil, err
	}
	return compiler.Compile(path)
}

// workerProc is one long-lived jsworker subprocess driven over its stdin/
// stdout pipes, matching the worker's own single-invocation-at-a-time
// contract: every request is written and its matching response read before
// the next is sent.
type workerProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *ndjson.Writer
	reader *ndjson.Reader
}

func startWorker(bin, bundlePath string) (*workerProc, error) {
	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(), "BUNDLE_PATH="+bundlePath, "WORKER_ID=loadtest")
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &workerProc{
		cmd:    cmd,
		stdin:  stdin,
		writer: ndjson.NewWriter(stdin),
		reader: ndjson.NewReader(stdout),
	}

	ready, err := w.reader.Next()
	if err != nil {
		return nil, fmt.Errorf("waiting for ready record: %w", err)
	}
	if ready.Type != proto.TypeReady {
		return nil, fmt.Errorf("expected ready record, got %q", ready.Type)
	}
	return w, nil
}

func (w *workerProc) close() {
	_ = w.stdin.Close()
	_ = w.cmd.Wait()
}

func runRequest(w *workerProc, req requestEntry, schema *jsonschema.Schema) (bool, time.Duration, error) {
	start := time.Now()
	id := uuid.New().String()

	rec, err := proto.NewInvoke(id, req.payload)
	if err != nil {
		return false, time.Since(start), fmt.Errorf("build invoke: %w", err)
	}
	if err := w.writer.Write(rec); err != nil {
		return false, time.Since(start), fmt.Errorf("write invoke: %w", err)
	}

	for {
		resp, err := w.reader.Next()
		if err != nil {
			return false, time.Since(start), fmt.Errorf("read response: %w", err)
		}
		if resp.ID != id {
			continue // a log record tagged with a stale id, or unrelated traffic
		}
		switch resp.Type {
		case proto.TypeLog:
			continue
		case proto.TypeError:
			var p proto.ErrorPayload
			if err := json.Unmarshal(resp.Payload, &p); err != nil {
				return false, time.Since(start), fmt.Errorf("decode error payload: %w", err)
			}
			return false, time.Since(start), fmt.Errorf("%s: %s", p.Code, p.Message)
		case proto.TypeResponse:
			var p proto.ResponsePayload
			if err := json.Unmarshal(resp.Payload, &p); err != nil {
				return false, time.Since(start), fmt.Errorf("decode response payload: %w", err)
			}
			if schema != nil {
				if err := validateBody(schema, p.Body); err != nil {
					return false, time.Since(start), fmt.Errorf("schema validation: %w", err)
				}
			}
			return true, time.Since(start), nil
		default:
			continue
		}
	}
}

func validateBody(schema *jsonschema.Schema, bodyB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(bodyB64)
	if err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("body is not JSON: %w", err)
	}
	return schema.Validate(data)
}

// shuffle is the Mulberry32 PRNG + Fisher-Yates shuffle used for
// deterministic request ordering.
func shuffle(entries []requestEntry, seed uint32) {
	for i := len(entries) - 1; i > 0; i-- {
		seed += 0x6D2B79F5
		t := seed
		t = (t ^ (t >> 15)) * (t | 1)
		t ^= t + (t^(t>>7))*(t|61)
		t = t ^ (t >> 14)
		j := int(t % uint32(i+1))
		entries[i], entries[j] = entries[j], entries[i]
	}
}
