package ringbuf

import (
	"bytes"
	"sync"
)

// Buffer is a fixed-size circular byte buffer that keeps the most recent
// output. It is safe for concurrent use and implements io.Writer.
type Buffer struct {
	buf     []byte
	size    int
	pos     int
	full    bool
	dropped int64
	mu      sync.Mutex
}

func New(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{buf: make([]byte, size), size: size}
}

func (r *Buffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	if n >= r.size {
		r.dropped += int64(r.lenLocked() + n - r.size)
		copy(r.buf, p[n-r.size:])
		r.pos = 0
		r.full = true
		return n, nil
	}
	if over := r.lenLocked() + n - r.size; over > 0 {
		r.dropped += int64(over)
	}
	if r.pos+n <= r.size {
		copy(r.buf[r.pos:], p)
	} else {
		first := r.size - r.pos
		copy(r.buf[r.pos:], p[:first])
		copy(r.buf, p[first:])
	}
	r.pos = (r.pos + n) % r.size
	if !r.full && r.pos < n {
		r.full = true
	}
	return n, nil
}

func (r *Buffer) lenLocked() int {
	if r.full {
		return r.size
	}
	return r.pos
}

// Bytes returns a copy of the buffered content, oldest byte first.
func (r *Buffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]byte(nil), r.buf[:r.pos]...)
	}
	out := make([]byte, r.size)
	copy(out, r.buf[r.pos:])
	copy(out[r.size-r.pos:], r.buf[:r.pos])
	return out
}

// String returns the buffered content as a string.
func (r *Buffer) String() string {
	return string(r.Bytes())
}

// Truncated reports whether older bytes were overwritten.
func (r *Buffer) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped > 0
}

// Reset discards all buffered content.
func (r *Buffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	r.full = false
	r.dropped = 0
}

// Tail returns at most n trailing lines of the buffer. A line cut by the ring
// boundary is dropped. n <= 0 returns everything.
func (r *Buffer) Tail(n int) string {
	r.mu.Lock()
	cut := r.full && r.dropped > 0
	r.mu.Unlock()
	data := r.Bytes()
	if cut {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	return string(TailLines(data, n))
}

// TailLines returns the last n lines of data, keeping a trailing newline.
func TailLines(data []byte, n int) []byte {
	if n <= 0 || len(data) == 0 {
		return data
	}
	end := len(data)
	if data[end-1] == '\n' {
		end--
	}
	count := 0
	for i := end - 1; i >= 0; i-- {
		if data[i] == '\n' {
			count++
			if count == n {
				return data[i+1:]
			}
		}
	}
	return data
}
