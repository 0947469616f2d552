package resource

import (
	"context"
	"io"
)

// ThrottledWriter charges each write against the tracker's spill IO
// budget before it reaches the underlying writer. A nil tracker lets
// writes pass untouched.
type ThrottledWriter struct {
	ctx context.Context
	tr  *Tracker
	dst io.Writer
}

// NewThrottledWriter wraps dst. ctx bounds any waits the budget
// imposes.
func NewThrottledWriter(ctx context.Context, tr *Tracker, dst io.Writer) *ThrottledWriter {
	return &ThrottledWriter{ctx: ctx, tr: tr, dst: dst}
}

func (w *ThrottledWriter) Write(p []byte) (int, error) {
	if err := w.tr.AcquireIO(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.dst.Write(p)
}

// ThrottledReader charges each read against the tracker's spill IO
// budget. How many bytes a Read will return is unknown until it has
// happened, so pacing uses the full buffer size.
type ThrottledReader struct {
	ctx context.Context
	tr  *Tracker
	src io.Reader
}

// NewThrottledReader wraps src. ctx bounds any waits the budget
// imposes.
func NewThrottledReader(ctx context.Context, tr *Tracker, src io.Reader) *ThrottledReader {
	return &ThrottledReader{ctx: ctx, tr: tr, src: src}
}

func (r *ThrottledReader) Read(p []byte) (int, error) {
	if err := r.tr.AcquireIO(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.src.Read(p)
}
