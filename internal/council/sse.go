package council

import (
	"bytes"
	"strings"
)

// dataPrefix marks an SSE payload line on the gateway stream.
const dataPrefix = "data: "

// frameBuffer reassembles complete lines from arbitrarily chunked reads.
// Bytes after the last newline stay buffered until the rest of the line
// arrives; a frame is never parsed before its newline has been observed.
// One frameBuffer belongs to one stream read loop.
type frameBuffer struct {
	buf []byte
}

// Feed appends p and returns every newline-terminated line now complete,
// with "\r\n" endings tolerated.
func (b *frameBuffer) Feed(p []byte) []string {
	b.buf = append(b.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			return lines
		}
		line := strings.TrimSuffix(string(b.buf[:i]), "\r")
		b.buf = b.buf[i+1:]
		lines = append(lines, line)
	}
}

// Flush returns the unterminated remainder at end of stream, if any.
func (b *frameBuffer) Flush() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	line := strings.TrimSuffix(string(b.buf), "\r")
	b.buf = nil
	return line, true
}
