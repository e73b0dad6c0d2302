package ringbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteRead(t *testing.T) {
	b := New(8)
	assert.Equal(t, 8, b.Cap())

	assert.Equal(t, 0, b.Write([]byte{1, 2, 3}))
	assert.Equal(t, 3, b.Len())

	dst := make([]byte, 2)
	assert.Equal(t, 2, b.Read(dst))
	assert.Equal(t, []byte{1, 2}, dst)

	dst = make([]byte, 10)
	assert.Equal(t, 1, b.Read(dst))
	assert.Equal(t, byte(3), dst[0])
	assert.Equal(t, 0, b.Read(dst), "empty buffer reads nothing")
}

func TestWrapAround(t *testing.T) {
	b := New(5)
	b.Write([]byte{1, 2, 3, 4})
	b.Read(make([]byte, 3))
	b.Write([]byte{5, 6, 7})

	dst := make([]byte, 5)
	n := b.Read(dst)
	assert.Equal(t, []byte{4, 5, 6, 7}, dst[:n])
}

func TestOverwriteOldest(t *testing.T) {
	tests := []struct {
		name        string
		writes      [][]byte
		overwritten int
		want        []byte
	}{
		{"partial", [][]byte{{1, 2, 3}, {4, 5, 6}}, 2, []byte{3, 4, 5, 6}},
		{"exact fill", [][]byte{{1, 2}, {3, 4}}, 0, []byte{1, 2, 3, 4}},
		{"larger than buffer", [][]byte{{1}, {2, 3, 4, 5, 6, 7}}, 3, []byte{4, 5, 6, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(4)
			total := 0
			for _, w := range tt.writes {
				total += b.Write(w)
			}
			assert.Equal(t, tt.overwritten, total)
			assert.Equal(t, len(tt.want), b.Len())
			dst := make([]byte, 8)
			n := b.Read(dst)
			assert.Equal(t, tt.want, dst[:n])
		})
	}
}

func TestReset(t *testing.T) {
	b := New(4)
	b.Write([]byte{1, 2, 3})
	b.Reset()
	assert.Equal(t, 0, b.Len())
	b.Write([]byte{9})
	dst := make([]byte, 4)
	assert.Equal(t, 1, b.Read(dst))
	assert.Equal(t, byte(9), dst[0])
}

func TestZeroSize(t *testing.T) {
	b := New(0)
	assert.Equal(t, 2, b.Write([]byte{1, 2}))
	assert.Equal(t, 0, b.Read(make([]byte, 2)))
}

func TestConcurrentProducerConsumer(t *testing.T) {
	b := New(64)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Write([]byte{byte(i), byte(i + 1)})
		}
	}()
	go func() {
		defer wg.Done()
		dst := make([]byte, 16)
		for i := 0; i < 1000; i++ {
			b.Read(dst)
		}
	}()
	wg.Wait()
	assert.LessOrEqual(t, b.Len(), b.Cap())
}

func TestTail(t *testing.T) {
	tail := NewTail(8)
	n, err := tail.Write([]byte("first line\n"))
	assert.NoError(t, err)
	assert.Equal(t, 11, n)
	_, _ = tail.Write([]byte("error\n"))
	assert.Equal(t, "e\nerror\n", tail.String())
	assert.Empty(t, tail.String(), "String consumes the buffer")
}
