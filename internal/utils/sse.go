package utils

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxSSELineSize is the maximum size of a single SSE line (1 MB). The
// default bufio.Scanner limit of 64 KiB is too small for large events such
// as complete tool-call argument payloads. A longer line surfaces as a
// wrapped bufio.ErrTooLong from Next().
const maxSSELineSize = 1 * 1024 * 1024

// DoneSentinel is the OpenAI-convention terminator frame payload.
const DoneSentinel = "[DONE]"

// SSEScanner is a pull parser for Server-Sent Events. It joins multi-line
// data fields, skips comments and blank lines, tracks the most recent
// "event:" name, and treats the [DONE] sentinel as end of stream.
//
// One scanner instance is owned by exactly one stream stage; it is not safe
// for concurrent use.
type SSEScanner struct {
	scanner *bufio.Scanner
	event   string
}

// NewSSEScanner creates an SSEScanner reading from reader. The reader is
// typically an open HTTP response body; closing it is the caller's
// responsibility.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	return &SSEScanner{scanner: scanner}
}

// Next returns the next SSE data payload. io.EOF signals a finished stream,
// either from the underlying reader or from the [DONE] sentinel.
//
// Consecutive "data:" lines within one event are joined with newlines.
// The "event:" name preceding the payload is available from Event until the
// following call to Next.
func (s *SSEScanner) Next() (string, error) {
	var dataLines []string
	var event string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// A blank line terminates the current event.
		if line == "" {
			if len(dataLines) > 0 {
				s.event = event
				return strings.Join(dataLines, "\n"), nil
			}
			event = ""
			continue
		}

		// SSE comments.
		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == DoneSentinel {
				return "", io.EOF
			}
			dataLines = append(dataLines, data)
			continue
		}

		// Other SSE fields (id:, retry:) are ignored.
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("SSE scanner error: %w", err)
	}

	// Flush a trailing event that was not terminated by a blank line.
	if len(dataLines) > 0 {
		s.event = event
		return strings.Join(dataLines, "\n"), nil
	}

	return "", io.EOF
}

// Event returns the "event:" name of the payload most recently returned by
// Next, or the empty string for plain data frames.
func (s *SSEScanner) Event() string {
	return s.event
}

// EventFrame encodes a named SSE event: "event: NAME\ndata: JSON\n\n".
func EventFrame(name string, data []byte) []byte {
	frame := make([]byte, 0, len(name)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, name...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}

// DataFrame encodes an anonymous SSE event: "data: JSON\n\n".
func DataFrame(data []byte) []byte {
	frame := make([]byte, 0, len(data)+10)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}

// DoneFrame returns the "data: [DONE]" terminator frame.
func DoneFrame() []byte {
	return DataFrame([]byte(DoneSentinel))
}
