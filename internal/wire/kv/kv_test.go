package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBasic(t *testing.T) {
	msg, err := Resolve("object gid=001,uid=01,cid=05,expdur=30\n")
	require.NoError(t, err)
	assert.Equal(t, "object", msg.Type)
	assert.Equal(t, "001", msg.GID)
	assert.Equal(t, "01", msg.UID)
	assert.Equal(t, "05", msg.CID)
	v, ok := msg.Float64("expdur")
	require.True(t, ok)
	assert.Equal(t, 30.0, v)
}

func TestResolveUnknownKeysPreserved(t *testing.T) {
	msg, err := Resolve("status gid=001,uid=01,foo=bar")
	require.NoError(t, err)
	v, ok := msg.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", v)
}

func TestResolveMalformed(t *testing.T) {
	_, err := Resolve("status gid=001,bogus")
	assert.Error(t, err)
}

func TestResolveUTC(t *testing.T) {
	msg, err := Resolve("utc gid=001,uid=01,utc=2024-03-01T12:30:00.500")
	require.NoError(t, err)
	want := time.Date(2024, 3, 1, 12, 30, 0, 500_000_000, time.UTC)
	assert.True(t, msg.UTC.Equal(want))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder()
	frame := enc.Compact("object", "001", "01", "05", Fi("frmcnt", 10), Ff("expdur", 30))
	msg, err := Resolve(string(frame))
	require.NoError(t, err)
	assert.Equal(t, "object", msg.Type)
	assert.Equal(t, "001", msg.GID)
	assert.Equal(t, "01", msg.UID)
	assert.Equal(t, "05", msg.CID)
	n, ok := msg.Int("frmcnt")
	require.True(t, ok)
	assert.Equal(t, 10, n)
}

func TestEncoderRingReuse(t *testing.T) {
	enc := NewEncoder()
	var frames [][]byte
	for i := 0; i < ringSize; i++ {
		frames = append(frames, enc.Compact("status", "001", "01", "", Fi("n", i)))
	}
	// Copy before the ring wraps and overwrites slot 0.
	copies := make([][]byte, len(frames))
	for i, f := range frames {
		copies[i] = append([]byte(nil), f...)
	}
	enc.Compact("status", "001", "01", "", Fi("n", 999)) // wraps slot 0
	assert.Contains(t, string(copies[0]), "n=0")
}

func TestFrameSizeBoundary(t *testing.T) {
	// Frame exactly at the 1400-byte cap is representable; the TCP front
	// (not this codec) is responsible for rejecting oversize frames.
	long := make([]byte, 1372)
	for i := range long {
		long[i] = 'a'
	}
	enc := NewEncoder()
	frame := enc.Compact("object", "001", "01", "", F("note", string(long)))
	assert.LessOrEqual(t, len(frame), maxFrame+32)
}
