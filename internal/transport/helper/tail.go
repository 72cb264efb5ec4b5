package helper

import (
	"strings"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/smallnest/ringbuffer"
)

// tailWriter keeps the last bytes written to it, dropping the oldest.
type tailWriter struct {
	mu  sync.Mutex
	buf *ringbuffer.RingBuffer
}

func newTailWriter(size int) *tailWriter {
	return &tailWriter{buf: ringbuffer.New(size)}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	if c := w.buf.Capacity(); len(p) > c {
		p = p[len(p)-c:]
	}
	if excess := len(p) - w.buf.Free(); excess > 0 {
		scratch := make([]byte, excess)
		_, _ = w.buf.Read(scratch)
	}
	if _, err := w.buf.Write(p); err != nil {
		return 0, err
	}
	return n, nil
}

// String drains the buffer and returns its content trimmed.
func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]byte, w.buf.Length())
	n, _ := w.buf.Read(out)
	return strings.TrimSpace(string(out[:n]))
}

func (w *tailWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Reset()
}

// diagnostics keeps the last helper output lines that were not records.
// overwritten counts lines lost to the bound since the last drain.
type diagnostics struct {
	buffer      mpmc.RichOverlappedRingBuffer[string]
	overwritten int
}

func newDiagnostics(lines int) *diagnostics {
	return &diagnostics{buffer: mpmc.NewOverlappedRingBuffer[string](uint32(lines))}
}

func (d *diagnostics) add(line string) error {
	overwrites, err := d.buffer.EnqueueM(line)
	if err != nil {
		return err
	}
	d.overwritten += int(overwrites)
	return nil
}

// drain returns the buffered lines oldest first with the number of lines
// overwritten before them, and empties the buffer.
func (d *diagnostics) drain() ([]string, int) {
	var lines []string
	for !d.buffer.IsEmpty() {
		line, err := d.buffer.Dequeue()
		if err != nil {
			break
		}
		lines = append(lines, line)
	}
	overwritten := d.overwritten
	d.overwritten = 0
	return lines, overwritten
}
