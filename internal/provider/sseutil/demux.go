package sseutil

import (
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// DoneSentinel terminates an event stream.
const DoneSentinel = "[DONE]"

// Demux reads an event-stream body and synchronously invokes emit for each
// content delta until the [DONE] sentinel or EOF. Deltas are read from
// choices[0].delta.content, falling back to choices[0].text. Malformed JSON
// frames are skipped. The caller owns the body and must close it.
func Demux(body io.Reader, emit func(delta string) error) error {
	scanner := NewScanner(body)
	for scanner.Scan() {
		data, ok := DataLine(scanner.Text())
		if !ok {
			continue
		}
		if data == DoneSentinel {
			return nil
		}
		if !gjson.Valid(data) {
			continue
		}
		delta := gjson.Get(data, "choices.0.delta.content")
		if !delta.Exists() {
			delta = gjson.Get(data, "choices.0.text")
		}
		if !delta.Exists() || delta.Str == "" {
			continue
		}
		if err := emit(delta.Str); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// CaptureWriter buffers everything written to it and optionally forwards the
// bytes to a secondary sink. With a nil Forward it is the silent variant;
// with a non-nil Forward it is the buffered (capture-while-forwarding) one.
type CaptureWriter struct {
	Forward io.Writer
	buf     []byte
}

// Write implements io.Writer.
func (c *CaptureWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	if c.Forward != nil {
		return c.Forward.Write(p)
	}
	return len(p), nil
}

// String returns everything captured so far.
func (c *CaptureWriter) String() string { return string(c.buf) }
