package ax25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mustAddr(t *testing.T, s string) Address {
	t.Helper()
	a, err := ParseAddress(s)
	require.NoError(t, err)
	return a
}

func TestUIFrameRoundTrip(t *testing.T) {
	src := mustAddr(t, "N0CALL")
	dst := mustAddr(t, "APRS")
	via := mustAddr(t, "WIDE1-1")
	via.HasBeenRepeated = true

	f, err := NewOutboundFrame(src, dst, true).
		Via(via).
		UnnumberedInfo(PIDNoLayer3, []byte("!4903.50N/07201.75W-hi")).
		Build()
	require.NoError(t, err)

	raw := Encode(f)
	decoded, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, "N0CALL", decoded.Source.Call)
	assert.Equal(t, "APRS", decoded.Destination.Call)
	require.Len(t, decoded.Via, 1)
	assert.Equal(t, "WIDE1", decoded.Via[0].Call)
	assert.Equal(t, uint8(1), decoded.Via[0].SSID)
	assert.True(t, decoded.Via[0].HasBeenRepeated)
	assert.Equal(t, ClassU, decoded.Class)
	assert.Equal(t, UUI, decoded.UType)
	require.NotNil(t, decoded.PID)
	assert.Equal(t, PIDNoLayer3, *decoded.PID)
	assert.Equal(t, "!4903.50N/07201.75W-hi", string(decoded.Info))
}

func TestSABMCommandResponseBits(t *testing.T) {
	local := mustAddr(t, "K0EPI-7")
	remote := mustAddr(t, "N0CALL-1")

	f, err := NewOutboundFrame(local, remote, true).
		Unnumbered(USABM, true).
		Build()
	require.NoError(t, err)

	raw := Encode(f)
	decoded, err := Decode(raw)
	require.NoError(t, err)

	assert.True(t, decoded.Destination.CommandResponse, "destination carries C=1 on a command frame")
	assert.False(t, decoded.Source.CommandResponse, "source carries C=0 on a command frame")
	assert.Equal(t, USABM, decoded.UType)
	assert.True(t, decoded.Poll)

	// A UA response in the opposite direction flips the bits.
	resp, err := NewOutboundFrame(remote, local, false).
		Unnumbered(UUA, true).
		Build()
	require.NoError(t, err)
	decodedResp, err := Decode(Encode(resp))
	require.NoError(t, err)
	assert.False(t, decodedResp.Destination.CommandResponse)
	assert.True(t, decodedResp.Source.CommandResponse)
}

// Bit 7 of the SSID byte means C-bit on destination/source and H-bit on a
// digipeater address; decoding must not cross-assign it to both fields.
func TestCommandResponseAndRepeatedBitsDoNotConflate(t *testing.T) {
	src := mustAddr(t, "N0CALL")
	dst := mustAddr(t, "APRS")
	via := mustAddr(t, "WIDE1-1")
	via.HasBeenRepeated = true

	f, err := NewOutboundFrame(src, dst, true).
		Via(via).
		UnnumberedInfo(PIDNoLayer3, []byte("x")).
		Build()
	require.NoError(t, err)

	decoded, err := Decode(Encode(f))
	require.NoError(t, err)

	assert.True(t, decoded.Destination.CommandResponse)
	assert.False(t, decoded.Destination.HasBeenRepeated, "destination has no H-bit")

	assert.False(t, decoded.Source.CommandResponse)
	assert.False(t, decoded.Source.HasBeenRepeated, "source has no H-bit")

	require.Len(t, decoded.Via, 1)
	assert.True(t, decoded.Via[0].HasBeenRepeated)
	assert.False(t, decoded.Via[0].CommandResponse, "via address has no C-bit")
}

func TestIFrameModulo8RoundTrip(t *testing.T) {
	local := mustAddr(t, "K0EPI-7")
	remote := mustAddr(t, "N0CALL-1")

	f, err := NewOutboundFrame(local, remote, true).
		Information(3, 5, PIDNoLayer3, []byte("hello"), false).
		Build()
	require.NoError(t, err)

	decoded, err := DecodeWithModulo(Encode(f), 8)
	require.NoError(t, err)
	assert.Equal(t, ClassI, decoded.Class)
	assert.Equal(t, 3, decoded.NS)
	assert.Equal(t, 5, decoded.NR)
	assert.Equal(t, "hello", string(decoded.Info))
}

func TestIFrameModulo128RoundTrip(t *testing.T) {
	local := mustAddr(t, "K0EPI-7")
	remote := mustAddr(t, "N0CALL-1")

	f, err := NewOutboundFrame(local, remote, true).
		Modulo128().
		Information(100, 90, PIDNoLayer3, []byte("x"), true).
		Build()
	require.NoError(t, err)

	decoded, err := DecodeWithModulo(Encode(f), 128)
	require.NoError(t, err)
	assert.Equal(t, 100, decoded.NS)
	assert.Equal(t, 90, decoded.NR)
	assert.True(t, decoded.Poll)
}

func TestSupervisoryFrameTypes(t *testing.T) {
	local := mustAddr(t, "K0EPI-7")
	remote := mustAddr(t, "N0CALL-1")

	for _, st := range []SSubtype{SRR, SRNR, SREJ, SSREJ} {
		f, err := NewOutboundFrame(local, remote, true).Supervisory(st, 2, false).Build()
		require.NoError(t, err)
		decoded, err := Decode(Encode(f))
		require.NoError(t, err)
		assert.Equal(t, ClassS, decoded.Class)
		assert.Equal(t, st, decoded.SType)
		assert.Equal(t, 2, decoded.NR)
	}
}

func TestOnlyFinalAddressCarriesLastBit(t *testing.T) {
	local := mustAddr(t, "K0EPI-7")
	remote := mustAddr(t, "N0CALL-1")
	v1 := mustAddr(t, "WIDE1-1")
	v2 := mustAddr(t, "WIDE2-2")

	f, err := NewOutboundFrame(local, remote, true).
		Via(v1, v2).
		Unnumbered(UUI, false).
		Build()
	require.NoError(t, err)

	raw := Encode(f)
	assert.False(t, raw[6]&0x01 != 0, "destination must not carry last-address bit")
	assert.False(t, raw[13]&0x01 != 0, "source must not carry last-address bit when via follows")
	assert.False(t, raw[20]&0x01 != 0, "first via must not carry last-address bit")
	assert.True(t, raw[27]&0x01 != 0, "final via must carry last-address bit")
}

func TestDecodeErrorCarriesByteCount(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.ByteCount)
}

// TestFrameRoundTripProperty checks spec.md's invariant: decode(encode(g))
// equals g modulo bit-for-bit identity on addresses and payload.
func TestFrameRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		callGen := rapid.StringMatching(`[A-Z][A-Z0-9]{0,5}`)
		ssidGen := rapid.IntRange(0, 15)
		info := rapid.SliceOfN(rapid.Byte(), 0, 200).Draw(t, "info")
		isCmd := rapid.Bool().Draw(t, "isCmd")

		local := Address{Call: callGen.Draw(t, "local"), SSID: uint8(ssidGen.Draw(t, "lssid"))}
		remote := Address{Call: callGen.Draw(t, "remote"), SSID: uint8(ssidGen.Draw(t, "rssid"))}

		f, err := NewOutboundFrame(local, remote, isCmd).
			UnnumberedInfo(PIDNoLayer3, info).
			Build()
		require.NoError(t, err)

		decoded, err := Decode(Encode(f))
		require.NoError(t, err)

		assert.Equal(t, local.Call, decoded.Source.Call)
		assert.Equal(t, local.SSID, decoded.Source.SSID)
		assert.Equal(t, remote.Call, decoded.Destination.Call)
		assert.Equal(t, remote.SSID, decoded.Destination.SSID)
		assert.Equal(t, info, decoded.Info)
		assert.Equal(t, isCmd, decoded.Destination.CommandResponse)
		assert.Equal(t, !isCmd, decoded.Source.CommandResponse)
	})
}
