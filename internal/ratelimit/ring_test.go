package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	r := New(1000)
	r.Push(Frame{Payload: []byte("a")})
	r.Push(Frame{Payload: []byte("b")})

	f, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", string(f.Payload))
	f, ok = r.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", string(f.Payload))
	_, ok = r.Pop()
	assert.False(t, ok)
}

func TestDropsOldestNonCriticalWhenFull(t *testing.T) {
	r := New(10)
	var dropped []Frame
	r.OnDrop(func(f Frame) { dropped = append(dropped, f) })

	r.Push(Frame{Payload: []byte("12345")})
	r.Push(Frame{Payload: []byte("67890")})
	// ring now full at 10 bytes; this push must evict the oldest.
	r.Push(Frame{Payload: []byte("abcde")})

	require.Len(t, dropped, 1)
	assert.Equal(t, "12345", string(dropped[0].Payload))

	f, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, "67890", string(f.Payload))
}

func TestCriticalFrameNeverDropped(t *testing.T) {
	r := New(5)
	r.Push(Frame{Payload: []byte("abort"), Critical: true})
	// No room and nothing non-critical to evict: critical frame still queues.
	r.Push(Frame{Payload: []byte("park!"), Critical: true})

	snap := r.Snapshot()
	assert.Equal(t, 2, snap.Queued)
}

func TestCriticalPreemptsNonCritical(t *testing.T) {
	r := New(5)
	r.Push(Frame{Payload: []byte("hello")})
	var dropped []Frame
	r.OnDrop(func(f Frame) { dropped = append(dropped, f) })
	r.Push(Frame{Payload: []byte("abort"), Critical: true})

	require.Len(t, dropped, 1)
	assert.Equal(t, "hello", string(dropped[0].Payload))
	f, ok := r.Pop()
	require.True(t, ok)
	assert.True(t, f.Critical)
}
