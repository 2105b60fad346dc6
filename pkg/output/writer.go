// Package output emits evaluation results as newline-delimited JSON.
//
// Each emitted line is a self-contained JSON object: a leaf derivation with
// the path it was found at, or a per-path error. Lines are written
// atomically, so output from concurrent coordinators never interleaves.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/nixhive/evaljobs/pkg/accessor"
	"github.com/nixhive/evaljobs/pkg/job"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("output: writer is closed")

// LeafRecord is the line emitted for one leaf derivation.
type LeafRecord struct {
	Name    string                     `json:"name"`
	System  string                     `json:"system"`
	DrvPath string                     `json:"drvPath"`
	Outputs map[string]string          `json:"outputs"`
	Meta    map[string]json.RawMessage `json:"meta,omitempty"`
	Path    accessor.Path              `json:"path"`
}

// ErrorRecord is the line emitted for a per-path evaluation failure.
type ErrorRecord struct {
	Error string        `json:"error"`
	Path  accessor.Path `json:"path"`
}

// Writer emits result lines. Implementations must be safe for concurrent
// use: every coordinator shares one Writer.
type Writer interface {
	// WriteLeaf emits a leaf derivation record.
	WriteLeaf(ctx context.Context, d *job.Drv, path accessor.Path) error

	// WriteJobError emits a per-path error record.
	WriteJobError(ctx context.Context, msg string, path accessor.Path) error

	// Close flushes and rejects further writes.
	Close() error
}

// JSONLWriter writes records to an io.Writer, one JSON object per line.
//
// The mutex is held across the whole line write, which is what guarantees
// atomic lines under concurrency.
type JSONLWriter struct {
	w      io.Writer
	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter creates a writer over w (typically os.Stdout).
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w}
}

// WriteLeaf implements Writer.
func (jw *JSONLWriter) WriteLeaf(ctx context.Context, d *job.Drv, path accessor.Path) error {
	return jw.writeRecord(ctx, LeafRecord{
		Name:    d.Name,
		System:  d.System,
		DrvPath: d.DrvPath,
		Outputs: d.Outputs,
		Meta:    d.Meta,
		Path:    path,
	})
}

// WriteJobError implements Writer.
func (jw *JSONLWriter) WriteJobError(ctx context.Context, msg string, path accessor.Path) error {
	return jw.writeRecord(ctx, ErrorRecord{Error: msg, Path: path})
}

// Close implements Writer. The underlying io.Writer is not closed; the
// caller owns it.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, rec any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	return writeAll(jw.w, b)
}

// writeAll loops over short writes. io.Writer may return n < len(p) with a
// nil error, which would truncate a line and corrupt the stream.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
