package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// Writer is an io.Writer that forwards solver process output to slog, one
// record per complete line. Partial lines are buffered until Flush.
type Writer struct {
	logger *slog.Logger
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewWriter constructs a Writer bound to the provided logger. stream labels
// the records (for example "stdout" or "stderr").
func NewWriter(logger *slog.Logger, stream string) *Writer {
	return &Writer{logger: logger, stream: stream}
}

// Write logs every complete line in p at debug level.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: keep it for the next Write or Flush.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *Writer) emit(line string) {
	if w.logger == nil {
		return
	}
	line = strings.TrimRight(line, "\r\n")
	if line != "" {
		w.logger.Debug("solver output", "stream", w.stream, "line", line)
	}
}
