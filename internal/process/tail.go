package process

import (
	"strings"
	"sync"
)

// TailBuffer is an io.Writer keeping only the last size bytes written to it.
type TailBuffer struct {
	mu   sync.Mutex
	size int
	buf  []byte
}

func NewTailBuffer(size int) *TailBuffer {
	if size <= 0 {
		size = DefaultTailBytes
	}
	return &TailBuffer{size: size}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.size; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// String returns the retained bytes with surrounding whitespace trimmed.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
