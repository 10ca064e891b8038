package stdio

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("stdio writer closed")

// Reader yields newline-delimited frames from the client.
type Reader struct {
	r   *bufio.Reader
	log zerolog.Logger
}

// NewReader wraps r. Truncated trailing frames are reported through log.
func NewReader(r io.Reader, log zerolog.Logger) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024), log: log}
}

// ReadFrame returns the next complete line without its delimiter. Blank lines are
// skipped. A final line that is not newline-terminated is discarded and io.EOF
// is returned.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
				r.log.Warn().Int("bytes", len(line)).Msg("discarding truncated frame at end of input")
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

// Writer emits one frame per line and flushes after every frame. It is safe for
// concurrent use; a frame is never interleaved with another.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closed bool
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteFrame writes frame followed by a newline and flushes.
func (w *Writer) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Write implements io.Writer so plain lines such as the ready marker share the
// same serialization as protocol frames.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.WriteFrame(bytes.TrimRight(p, "\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush waits for any write in progress and flushes buffered output.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Flush()
}

// Close flushes and rejects further writes.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.w.Flush()
}
