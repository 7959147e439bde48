// Package sse renders Server-Sent Events frames for the streaming endpoints.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event names emitted on a streaming connection.
const (
	EventToken   = "token"
	EventSources = "sources"
	EventUsage   = "usage"
	EventFinal   = "final"
	EventError   = "error"
	EventDone    = "done"
)

// DonePayload is the literal data of the terminal done frame.
const DonePayload = "[DONE]"

// Frame renders an event without an id line.
func Frame(event string, payload any) ([]byte, error) {
	return render("", event, payload)
}

// FrameWithID renders an event carrying sequence id id. The caller owns the counter.
func FrameWithID(id int, event string, payload any) ([]byte, error) {
	return render(strconv.Itoa(id), event, payload)
}

// render writes the optional id line, the event line and one data line per payload
// line, followed by the blank-line terminator. Strings are written verbatim, raw JSON
// is compacted and everything else is JSON-encoded.
func render(id, event string, payload any) ([]byte, error) {
	if event == "" || strings.ContainsAny(event, "\r\n") {
		return nil, fmt.Errorf("invalid SSE event name %q", event)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if id != "" {
		buf.WriteString("id: ")
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteByte('\n')

	for _, line := range strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodePayload(payload any) (string, error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, v); err != nil {
			return "", fmt.Errorf("compact SSE payload: %w", err)
		}
		return compacted.String(), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal SSE payload: %w", err)
		}
		return string(data), nil
	}
}
