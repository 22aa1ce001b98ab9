package supervisor

import (
	"bufio"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// maxLineBytes bounds a single backend output line.
const maxLineBytes = 1 << 20

// ParsePort extracts the port following marker in line. The token after the
// marker is the first whitespace-delimited field and must fit in 16 bits.
func ParsePort(line, marker string) (uint16, bool) {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return 0, false
	}
	fields := strings.Fields(line[idx+len(marker):])
	if len(fields) == 0 {
		return 0, false
	}
	port, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(port), true
}

// scanStdout forwards every stdout line to the log and delivers the first
// parsable port on portCh. portCh must have capacity 1; it receives at most
// one value.
func scanStdout(r io.Reader, marker string, portCh chan<- uint16, logger *slog.Logger) {
	found := false
	scanLines(r, func(line string) {
		logger.Info("backend output", "stream", "stdout", "line", line)
		if found {
			return
		}
		if port, ok := ParsePort(line, marker); ok {
			found = true
			portCh <- port
		}
	}, logger)
}

// scanStderr forwards stderr lines for diagnostics only.
func scanStderr(r io.Reader, logger *slog.Logger) {
	scanLines(r, func(line string) {
		logger.Info("backend output", "stream", "stderr", "line", line)
	}, logger)
}

// scanLines calls fn per line until EOF. If a line overflows the scanner
// the rest of the stream is drained so the child never blocks on a full pipe.
func scanLines(r io.Reader, fn func(string), logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("backend output scan stopped, draining", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}
