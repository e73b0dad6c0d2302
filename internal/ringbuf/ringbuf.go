// Package ringbuf implements a fixed-size byte ring buffer shared between
// a producer and a real-time consumer.
package ringbuf

import "sync"

// Buffer is a goroutine-safe byte ring. Writes never block: when the
// buffer is full the oldest bytes are overwritten.
type Buffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // read position
	n     int // buffered bytes
}

// New returns a buffer holding up to size bytes.
func New(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Write appends p, dropping the oldest data if needed. It returns the
// number of buffered bytes that were overwritten.
func (b *Buffer) Write(p []byte) (overwritten int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.buf)
	if size == 0 {
		return len(p)
	}
	if len(p) >= size {
		overwritten = b.n + len(p) - size
		copy(b.buf, p[len(p)-size:])
		b.start = 0
		b.n = size
		return overwritten
	}
	if free := size - b.n; len(p) > free {
		overwritten = len(p) - free
		b.start = (b.start + overwritten) % size
		b.n -= overwritten
	}
	end := (b.start + b.n) % size
	c := copy(b.buf[end:], p)
	copy(b.buf, p[c:])
	b.n += len(p)
	return overwritten
}

// Read copies up to len(dst) bytes into dst and returns the number copied.
func (b *Buffer) Read(dst []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(len(dst), b.n)
	if n == 0 {
		return 0
	}
	c := copy(dst[:n], b.buf[b.start:])
	copy(dst[c:n], b.buf)
	b.start = (b.start + n) % len(b.buf)
	b.n -= n
	return n
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Cap returns the buffer size.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Reset discards all buffered data.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start, b.n = 0, 0
}

// Tail is an io.Writer keeping the last bytes written to it, eg. the end
// of a subprocess's stderr.
type Tail struct {
	buf *Buffer
}

// NewTail returns a Tail keeping up to size bytes.
func NewTail(size int) *Tail {
	return &Tail{buf: New(size)}
}

// Write implements io.Writer. It never fails.
func (t *Tail) Write(p []byte) (int, error) {
	t.buf.Write(p)
	return len(p), nil
}

// String returns and consumes the buffered bytes.
func (t *Tail) String() string {
	out := make([]byte, t.buf.Len())
	n := t.buf.Read(out)
	return string(out[:n])
}
