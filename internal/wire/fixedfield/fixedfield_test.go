package fixedfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReadyStatus(t *testing.T) {
	f, err := Decode("g#00101ready1%")
	require.NoError(t, err)
	assert.Equal(t, "001", f.GID)
	assert.Equal(t, "01", f.UID)
	assert.Equal(t, KindReady, f.Kind)
	assert.Equal(t, 1, f.Digit)

	f, err = Decode("g#00101status0%")
	require.NoError(t, err)
	assert.Equal(t, KindStatus, f.Kind)
	assert.Equal(t, 0, f.Digit)
}

func TestDecodeUTC(t *testing.T) {
	f, err := Decode("g#00101utc2024-03-01%12:30:00%")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", f.UTCDate)
	assert.Equal(t, "12:30:00", f.UTCTime)
}

func TestDecodeCurrentPos(t *testing.T) {
	f, err := Decode("g#00101currentpos+0123450%-0050000%")
	require.NoError(t, err)
	assert.InDelta(t, 12.345, f.RADeg(), 1e-9)
	assert.InDelta(t, -5.0, f.DecDeg(), 1e-9)
}

func TestDecodeFocusMirr(t *testing.T) {
	f, err := Decode("g#00101focus005+00123%")
	require.NoError(t, err)
	assert.Equal(t, KindFocusReport, f.Kind)
	assert.Equal(t, "005", f.CID)
	assert.Equal(t, 123, f.Position)

	f, err = Decode("g#00101mirr0501%")
	require.NoError(t, err)
	assert.Equal(t, KindMirrReport, f.Kind)
	assert.Equal(t, "05", f.CID)
	assert.Equal(t, 1, f.State)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		"",
		"g#001",
		"g#00101ready%",     // missing digit
		"g#00101bogus1%",    // unknown keyword
		"nope#00101ready1%", // missing prefix
		"g#00101ready1",     // missing terminator
	}
	for _, c := range cases {
		_, err := Decode(c)
		assert.Error(t, err, "input %q should be rejected", c)
	}
}

func TestEncodeCommandsRoundTripThroughDecodeWhereApplicable(t *testing.T) {
	assert.Equal(t, "g#00101home%", EncodeHome("001", "01"))
	assert.Equal(t, "g#00101abortslew%", EncodeAbortSlew("001", "01"))
	assert.Equal(t, "g#00101park%", EncodePark("001", "01"))
	assert.Equal(t, "g#00101slitc%", EncodeSlit("001", "01", false))
	assert.Equal(t, "g#00101slito%", EncodeSlit("001", "01", true))

	sync := EncodeSync("001", "01", 12.345, -5.0)
	assert.Equal(t, "g#00101sync+000123450%-000050000%", sync)

	guide := EncodeGuide("001", "01", 1.5, -2.5)
	assert.Equal(t, "g#00101guide+000001%-000002%", guide)

	mirr := EncodeMirrCommand("001", "01", "05", 1)
	got, err := Decode(mirr)
	require.NoError(t, err)
	assert.Equal(t, KindMirrReport, got.Kind)
	assert.Equal(t, "05", got.CID)
	assert.Equal(t, 1, got.State)

	focus := EncodeFocusCommand("001", "01", "005", -123)
	got, err = Decode(focus)
	require.NoError(t, err)
	assert.Equal(t, KindFocusReport, got.Kind)
	assert.Equal(t, "005", got.CID)
	assert.Equal(t, -123, got.Position)
}
