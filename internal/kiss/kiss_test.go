package kiss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0xC0, 0xDB, 0x02, 0xDC, 0xDD}
	encoded := EncodeDataFrame(0, payload)

	p := NewParser()
	frames, errs := p.Feed(encoded)

	require.Empty(t, errs)
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0].Payload)
	assert.Equal(t, KindAX25, frames[0].Classify())
}

func TestConsecutiveFENDsYieldNoFrames(t *testing.T) {
	p := NewParser()
	frames, errs := p.Feed([]byte{FEND, FEND, FEND, FEND})
	assert.Empty(t, errs)
	assert.Empty(t, frames)
}

func TestMalformedEscapeRecoversAndKeepsPriorFrames(t *testing.T) {
	p := NewParser()

	good := EncodeDataFrame(0, []byte{0x11, 0x22})
	bad := []byte{FEND, 0x01, FESC, 0x55, FEND} // 0x55 is not TFEND/TFESC
	chunk := append(append([]byte{}, good...), bad...)

	frames, errs := p.Feed(chunk)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x11, 0x22}, frames[0].Payload)
	require.Len(t, errs, 1)
	var parseErr *ParseError
	assert.ErrorAs(t, errs[0], &parseErr)
}

func TestByteByByteFeedEquivalence(t *testing.T) {
	payload := []byte("!4903.50N/07201.75W-hi")
	encoded := EncodeDataFrame(0, payload)

	p := NewParser()
	var frames []Frame
	for _, b := range encoded {
		fs, errs := p.Feed([]byte{b})
		require.Empty(t, errs)
		frames = append(frames, fs...)
	}

	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0].Payload)
}

func TestMultiPortCommandByte(t *testing.T) {
	encoded := Encode(3, CmdSetHW, []byte{0x01})
	p := NewParser()
	frames, _ := p.Feed(encoded)
	require.Len(t, frames, 1)
	assert.EqualValues(t, 3, frames[0].Port)
	assert.Equal(t, KindMobilinkdTelemetry, frames[0].Classify())
}

func TestMobilinkdTelemetryDecode(t *testing.T) {
	payload := []byte{MobilinkdSubBattery, 87}
	v, err := DecodeMobilinkdTelemetry(payload)
	require.NoError(t, err)
	assert.Equal(t, MobilinkdBattery{Percent: 87}, v)
}

// TestRoundTripProperty checks spec.md's invariant: for every KISS-encoded
// frame f, parse(encode(f)) == [f].
func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := byte(rapid.IntRange(0, 15).Draw(t, "port"))
		payload := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "payload")

		encoded := Encode(port, CmdDataFrame, payload)
		p := NewParser()
		frames, errs := p.Feed(encoded)
		require.Empty(t, errs)

		if len(payload) == 0 {
			// An empty payload still carries a command byte, so the
			// accumulator is non-empty and one frame is still emitted.
			require.Len(t, frames, 1)
			assert.Empty(t, frames[0].Payload)
			return
		}

		require.Len(t, frames, 1)
		assert.Equal(t, port, frames[0].Port)
		assert.Equal(t, payload, frames[0].Payload)
	})
}
