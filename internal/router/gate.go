package router

import (
	"io"
	"time"
)

// gateWriter buffers deltas until the first-chunk gate deadline passes,
// then writes through. An attempt that fails before the gate opens leaves
// the sink untouched -- its pending bytes are simply dropped.
type gateWriter struct {
	sink     io.Writer
	deadline time.Time
	pending  []byte
	open     bool
}

func newGateWriter(sink io.Writer, deadline time.Time) *gateWriter {
	return &gateWriter{sink: sink, deadline: deadline}
}

// WriteDelta appends a delta, holding it back while the gate is closed.
func (g *gateWriter) WriteDelta(delta string) error {
	if !g.open {
		if time.Now().Before(g.deadline) {
			g.pending = append(g.pending, delta...)
			return nil
		}
		g.open = true
		if err := g.flushPending(); err != nil {
			return err
		}
	}
	_, err := io.WriteString(g.sink, delta)
	return err
}

// Flush opens the gate and drains anything still pending. Called once the
// stream has completed normally.
func (g *gateWriter) Flush() error {
	g.open = true
	return g.flushPending()
}

func (g *gateWriter) flushPending() error {
	if len(g.pending) == 0 {
		return nil
	}
	_, err := g.sink.Write(g.pending)
	g.pending = nil
	return err
}
