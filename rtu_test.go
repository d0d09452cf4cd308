package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTU_BuildParseRoundTrip(t *testing.T) {
	adu := RTUADU{UnitID: 1, PDU: EncodeReadRequest(FunctionReadHoldingRegisters, 0, 10)}
	frame, err := BuildRTUFrame(adu)
	require.NoError(t, err)

	// scenario 1: FC03 RTU request, valid.
	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}, frame)

	got, err := ParseRTUFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, adu, got)
}

func TestRTU_ParseFrame_BadCRC(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00}
	_, err := ParseRTUFrame(frame)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrCrc))
}

func TestRTU_ParseFrame_LengthBounds(t *testing.T) {
	_, err := ParseRTUFrame([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrFrame))
}

func TestRTU_AddressMatch(t *testing.T) {
	assert.True(t, RTUAddressMatch(0, 5), "broadcast always matches")
	assert.True(t, RTUAddressMatch(5, 5))
	assert.False(t, RTUAddressMatch(4, 5))
}

func TestRTU_TimingForBaud(t *testing.T) {
	d := RTUTimingForBaud(0)
	assert.Equal(t, int64(750), d.InterCharUs)
	assert.Equal(t, int64(1750), d.InterFrameUs)

	fast := RTUTimingForBaud(38400)
	assert.Equal(t, int64(750), fast.InterCharUs)
	assert.Equal(t, int64(1750), fast.InterFrameUs)

	// scenario 7: at 19200 baud, t_interframe is approximately 2005us (+-100us)
	at19200 := RTUTimingForBaud(19200)
	assert.InDelta(t, 2005, at19200.InterFrameUs, 100)
}

func TestRTUReceiver_HappyPath(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}
	r := NewRTUReceiver(19200)

	var ts int64
	for _, b := range frame {
		r.ProcessByte(b, ts)
		ts += 10
	}
	r.Poll(ts + r.timing.InterFrameUs + 1)

	require.Equal(t, RTUComplete, r.State)
	assert.Equal(t, frame, r.Frame())
}

func TestRTUReceiver_InterCharGapRestartsBuffer(t *testing.T) {
	// open question (b): an inter-character gap mid-frame restarts the
	// buffer with the triggering byte, it does not discard-and-wait-for-idle.
	r := NewRTUReceiver(19200)
	r.ProcessByte(0xAA, 0)
	r.ProcessByte(0xBB, 10)
	require.Equal(t, 2, r.index)

	gap := r.timing.InterCharUs + 1
	r.ProcessByte(0xCC, 10+gap)

	assert.Equal(t, 1, r.index)
	assert.Equal(t, byte(0xCC), r.buffer[0])
}

func TestRTUReceiver_ShortFrameIsError(t *testing.T) {
	r := NewRTUReceiver(19200)
	r.ProcessByte(0x01, 0)
	r.ProcessByte(0x02, 10)
	r.Poll(10 + r.timing.InterFrameUs + 1)
	assert.Equal(t, RTUError, r.State)
}
