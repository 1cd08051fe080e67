package log

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/relay/pkg/types"
)

const defaultRingSize = 1024

// ringBuffer is a fixed-size buffer of recent log records. It implements
// zerolog.Hook so every record emitted through the global logger is captured
// and can be replayed to clients over the GetLogs stream.
type ringBuffer struct {
	mu      sync.Mutex
	records []types.LogRecord
	next    int
	full    bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{records: make([]types.LogRecord, size)}
}

// Run implements zerolog.Hook
func (r *ringBuffer) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level == zerolog.NoLevel || message == "" {
		return
	}
	r.mu.Lock()
	r.records[r.next] = types.LogRecord{
		Level:     level.String(),
		Message:   message,
		Timestamp: time.Now(),
	}
	r.next++
	if r.next == len(r.records) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// snapshot returns the buffered records oldest-first
func (r *ringBuffer) snapshot() []types.LogRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.LogRecord
	if r.full {
		out = append(out, r.records[r.next:]...)
	}
	out = append(out, r.records[:r.next]...)
	return out
}

// Recent returns the most recent records captured by the global logger,
// oldest-first, up to the ring capacity.
func Recent() []types.LogRecord {
	return ring.snapshot()
}
