// Package ndjson frames, parses, and emits newline-delimited JSON records
// on an io.Reader/io.Writer pair, matching the proto.Record shape.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/KartikBazzad/bunbase/internal/proto"
)

// MaxLineBytes is the largest accepted stdin line.
const MaxLineBytes = 1024 * 1024

// Reader reads framed proto.Record values from an underlying stream.
// Malformed lines are reported through the optional OnSkip callback and
// never stop the read loop; the worker does not terminate on codec errors.
type Reader struct {
	br *bufio.Reader
	// OnSkip is called with a non-fatal diagnostic for every line that
	// fails to parse, or that exceeds MaxLineBytes. May be nil.
	OnSkip func(reason string)
}

// NewReader wraps r with line-buffered framing sized to MaxLineBytes plus
// one byte for the terminating newline.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, MaxLineBytes+1)}
}

// Next returns the next valid Record, skipping and reporting malformed or
// oversized lines along the way. It returns io.EOF when the stream ends
// with no more valid records.
func (rd *Reader) Next() (proto.Record, error) {
	for {
		line, err := rd.readLine()
		if err != nil {
			return proto.Record{}, err
		}
		if line == nil {
			continue
		}
		var rec proto.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			rd.skip(fmt.Sprintf("malformed NDJSON line: %v", err))
			continue
		}
		return rec, nil
	}
}

// readLine returns the next newline-delimited line with its terminator
// stripped. A nil slice with a nil error means the line was blank or was
// discarded for exceeding MaxLineBytes; the caller should just read again.
// A non-nil error is always io.EOF or a genuine read failure on the
// underlying stream, never an oversized-line condition: that case is
// recovered from here, not propagated, so one bad line never takes down
// the rest of the stream.
func (rd *Reader) readLine() ([]byte, error) {
	line, err := rd.br.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		rd.discardRestOfLine()
		rd.skip("line exceeded 1 MiB limit")
		return nil, nil
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	if err == io.EOF && len(line) == 0 {
		return nil, io.EOF
	}
	trimmed := bytes.TrimRight(bytes.TrimRight(line, "\n"), "\r")
	if len(trimmed) == 0 {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, nil
	}
	return append([]byte(nil), trimmed...), nil
}

// discardRestOfLine consumes whatever remains of an oversized line, up to
// and including its terminating newline, without buffering any of it.
func (rd *Reader) discardRestOfLine() {
	for {
		_, err := rd.br.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}

func (rd *Reader) skip(reason string) {
	if rd.OnSkip != nil {
		rd.OnSkip(reason)
	}
}

// Writer emits one JSON object per line to an underlying stream, flushing
// after every write so each record is visible to the reader immediately.
// Only one writer goroutine is ever active in this design; the mutex guards
// against an accidental second caller.
type Writer struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
}

// NewWriter wraps w for atomic, flushed, newline-terminated record writes.
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{buf: buf, enc: enc}
}

// Write emits rec as one line and flushes immediately.
func (wr *Writer) Write(rec proto.Record) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if err := wr.enc.Encode(rec); err != nil {
		return fmt.Errorf("ndjson: encode record: %w", err)
	}
	if err := wr.buf.Flush(); err != nil {
		return fmt.Errorf("ndjson: flush record: %w", err)
	}
	return nil
}
