package media

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

const defaultTailLines = 20

// logWriter splits encoder output into lines, logs each at debug level and
// keeps the most recent lines for error reports.
type logWriter struct {
	logger *slog.Logger
	stream string

	mu      sync.Mutex
	partial []byte
	tail    []string
	limit   int
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream, limit: defaultTailLines}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexAny(data, "\r\n")
		if idx == -1 {
			break
		}
		w.emit(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append([]byte(nil), data...)
	return total, nil
}

// Flush emits any trailing text that did not end in a newline.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.partial)
	w.partial = nil
}

func (w *logWriter) emit(raw []byte) {
	line := string(bytes.TrimSpace(raw))
	if line == "" {
		return
	}
	if w.logger != nil {
		w.logger.Debug(line, "stream", w.stream)
	}
	w.tail = append(w.tail, line)
	if len(w.tail) > w.limit {
		w.tail = w.tail[len(w.tail)-w.limit:]
	}
}

// Tail returns the retained lines joined by newlines.
func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, "\n")
}
