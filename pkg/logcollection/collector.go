package logcollection

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const DefaultBufferLines = 200

type CollectorOptions struct {
	// BufferLines is the number of recent lines kept per unit
	BufferLines int
	// Forward writes every collected line to the zap logger
	Forward bool
}

// Collector forwards unit output into the orchestrator's zap core and keeps
// a bounded tail per unit for the status API
type Collector struct {
	logger  *zap.Logger
	options CollectorOptions

	mu      sync.RWMutex
	buffers map[string]*ring

	totalLines int64 // atomic
	totalBytes int64 // atomic
}

func NewCollector(logger *zap.Logger, options CollectorOptions) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.BufferLines <= 0 {
		options.BufferLines = DefaultBufferLines
	}
	return &Collector{
		logger:  logger.Named("unit"),
		options: options,
		buffers: make(map[string]*ring),
	}
}

func (c *Collector) Collect(line Line) {
	atomic.AddInt64(&c.totalLines, 1)
	atomic.AddInt64(&c.totalBytes, int64(len(line.Text)))

	if c.options.Forward {
		fields := []zap.Field{
			zap.String("unit", line.UnitID),
			zap.String("stream", string(line.Stream)),
			zap.String("run_id", line.RunID),
		}
		if line.Stream == StreamStderr {
			c.logger.Warn(line.Text, fields...)
		} else {
			c.logger.Info(line.Text, fields...)
		}
	}

	c.mu.Lock()
	buf, ok := c.buffers[line.UnitID]
	if !ok {
		buf = newRing(c.options.BufferLines)
		c.buffers[line.UnitID] = buf
	}
	buf.push(line)
	c.mu.Unlock()
}

// Tail returns up to n most recent lines of a unit, oldest first; n <= 0 means all buffered
func (c *Collector) Tail(unitID string, n int) []Line {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf, ok := c.buffers[unitID]
	if !ok {
		return nil
	}
	return buf.last(n)
}

// Units returns the ids of units that produced output, sorted
func (c *Collector) Units() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.buffers))
	for id := range c.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset drops the buffered output of a unit
func (c *Collector) Reset(unitID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, unitID)
}

type Stats struct {
	TotalLines int64
	TotalBytes int64
}

func (c *Collector) Stats() Stats {
	return Stats{
		TotalLines: atomic.LoadInt64(&c.totalLines),
		TotalBytes: atomic.LoadInt64(&c.totalBytes),
	}
}

type ring struct {
	lines []Line
	next  int
	full  bool
}

func newRing(capacity int) *ring {
	return &ring{lines: make([]Line, capacity)}
}

func (r *ring) push(line Line) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) last(n int) []Line {
	size := r.next
	if r.full {
		size = len(r.lines)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Line, 0, n)
	start := (r.next - n + len(r.lines)) % len(r.lines)
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
