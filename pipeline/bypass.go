package pipeline

import (
	"bytes"
	"io"
	"strings"

	"github.com/leofalp/relay/ir"
)

// ExtractFunc reads a partial usage record out of one raw SSE data
// payload. Transformers provide it via their ExtractUsage operation.
type ExtractFunc func(data []byte) *ir.Usage

// UsageTap wraps a raw upstream body for bypass mode: bytes pass through
// to the client untouched while complete "data:" lines are inspected for
// usage as they go by. The tap never buffers ahead of the client read, so
// backpressure and framing are exactly those of the underlying body.
type UsageTap struct {
	body    io.ReadCloser
	extract ExtractFunc
	rec     *Record
	pending []byte
}

// NewUsageTap wraps body. The record's usage is merged in place whenever a
// frame carries counters; extract may be nil, which disables tapping.
func NewUsageTap(body io.ReadCloser, extract ExtractFunc, rec *Record) *UsageTap {
	return &UsageTap{body: body, extract: extract, rec: rec}
}

func (t *UsageTap) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	if n > 0 && t.extract != nil {
		t.scan(p[:n])
	}
	if err == io.EOF {
		// A final line without a trailing newline still counts.
		t.flushLine(t.pending)
		t.pending = nil
	}
	return n, err
}

func (t *UsageTap) Close() error {
	return t.body.Close()
}

// scan appends the chunk to the pending line buffer and taps every
// completed line.
func (t *UsageTap) scan(chunk []byte) {
	t.pending = append(t.pending, chunk...)
	for {
		i := bytes.IndexByte(t.pending, '\n')
		if i < 0 {
			return
		}
		t.flushLine(t.pending[:i])
		t.pending = t.pending[i+1:]
	}
}

func (t *UsageTap) flushLine(line []byte) {
	text := strings.TrimSpace(string(line))
	if !strings.HasPrefix(text, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(text, "data:"))
	if payload == "" || payload == "[DONE]" {
		return
	}
	if usage := t.extract([]byte(payload)); usage != nil {
		t.rec.Usage.Merge(*usage)
	}
}
