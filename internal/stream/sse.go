package stream

import (
	"bytes"
	"strings"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// LineDecoder splits an SSE byte stream into lines across arbitrary read
// boundaries. A partial trailing line is held until its newline arrives.
type LineDecoder struct {
	pending []byte
}

// Feed consumes one read chunk and returns every line it completed.
// Line terminators (\n or \r\n) are stripped.
func (d *LineDecoder) Feed(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.pending = append(d.pending, chunk...)
			break
		}
		var line []byte
		if len(d.pending) > 0 {
			d.pending = append(d.pending, chunk[:i]...)
			line = d.pending
		} else {
			line = chunk[:i]
		}
		lines = append(lines, string(bytes.TrimSuffix(line, []byte{'\r'})))
		d.pending = d.pending[:0]
		chunk = chunk[i+1:]
	}
	return lines
}

// Flush returns the unterminated remainder, if any, and resets the decoder.
func (d *LineDecoder) Flush() (string, bool) {
	if len(d.pending) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(d.pending, []byte{'\r'}))
	d.pending = d.pending[:0]
	return line, true
}

// ParseDataLine extracts the payload of a `data:` line. Blank lines, other
// SSE fields, comments and the [DONE] marker report false.
func ParseDataLine(line string) ([]byte, bool) {
	if strings.TrimSpace(line) == "" || !strings.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" || payload == doneMarker {
		return nil, false
	}
	return []byte(payload), true
}
