package openaicompat

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxSSELineSize bounds a single upstream event line. Long completions and search
// result payloads routinely exceed bufio's 64 KiB default.
const maxSSELineSize = 1 << 20

const doneSentinel = "[DONE]"

// SSEScanner reads data payloads from an upstream text/event-stream body.
type SSEScanner struct {
	scanner *bufio.Scanner
}

// NewSSEScanner wraps r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	return &SSEScanner{scanner: scanner}
}

// Next returns the next event's data payload. Consecutive data lines are joined with
// newlines; comments and other fields are ignored. It returns io.EOF at end of input
// or on the [DONE] sentinel.
func (s *SSEScanner) Next() (string, error) {
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if len(dataLines) > 0 {
				return strings.Join(dataLines, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == doneSentinel {
			return "", io.EOF
		}
		dataLines = append(dataLines, data)
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read event stream: %w", err)
	}
	if len(dataLines) > 0 {
		return strings.Join(dataLines, "\n"), nil
	}
	return "", io.EOF
}
