package logcollection

import (
	"bytes"
	"io"
	"sync"
	"time"
)

type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Source identifies where a line of unit output came from
type Source struct {
	RunID  string
	UnitID string
	Stream Stream
}

type Line struct {
	Source
	Text string
	Time time.Time
}

// Sink receives complete output lines of unit processes
type Sink interface {
	Collect(line Line)
}

// MaxLineLength caps a single collected line; longer output is split
const MaxLineLength = 64 * 1024

type lineWriter struct {
	sink   Sink
	source Source

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineWriter returns a writer that forwards every complete line written to it.
// Close flushes a trailing partial line.
func NewLineWriter(sink Sink, source Source) io.WriteCloser {
	return &lineWriter{sink: sink, source: source}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 || idx > MaxLineLength {
			if len(data) >= MaxLineLength {
				w.emit(string(data[:MaxLineLength]))
				w.buf.Next(MaxLineLength)
				continue
			}
			break
		}
		w.emit(string(bytes.TrimRight(data[:idx], "\r")))
		w.buf.Next(idx + 1)
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

func (w *lineWriter) emit(text string) {
	if w.sink == nil {
		return
	}
	w.sink.Collect(Line{Source: w.source, Text: text, Time: time.Now()})
}

// MultiSink fans a line out to several sinks
type MultiSink []Sink

func (m MultiSink) Collect(line Line) {
	for _, s := range m {
		if s != nil {
			s.Collect(line)
		}
	}
}
