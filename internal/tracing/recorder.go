// Package tracing keeps a runtime flight recorder so the admin endpoint can
// hand out the last few seconds of execution trace on demand.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize bounds the trace ring buffer when no size is given.
const DefaultBufferSize = 10 * 1024 * 1024

// minAge is how much history the recorder tries to keep.
const minAge = 30 * time.Second

// ErrNotEnabled is returned by Snapshot on a nil or stopped Recorder.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps a running trace.FlightRecorder. Only one can run per
// process. A nil *Recorder is valid and reports ErrNotEnabled.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start starts a flight recorder with a ring buffer of bufferSize bytes.
func Start(bufferSize int64) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{fr: fr}, nil
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the buffered trace to w in the format `go tool trace` reads.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop stops the recorder. Calling it more than once is harmless.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
