package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestASCII_BuildParseRoundTrip(t *testing.T) {
	adu := ASCIIADU{UnitID: 1, PDU: EncodeReadRequest(FunctionReadHoldingRegisters, 0, 10)}
	frame, err := BuildASCIIFrame(adu.UnitID, adu.PDU)
	require.NoError(t, err)

	// scenario 4: ASCII FC03 round-trip, LRC 0xF2.
	assert.Equal(t, ":01030000000AF2\r\n", string(frame))

	got, err := ParseASCIIFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, adu, got)
}

func TestASCII_ParseFrame_MixedCaseInput(t *testing.T) {
	got, err := ParseASCIIFrame([]byte(":01030000000af2\r\n"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.UnitID)
}

func TestASCII_ParseFrame_BadLRC(t *testing.T) {
	_, err := ParseASCIIFrame([]byte(":01030000000A00\r\n"))
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrCrc))
}

func TestASCII_ParseFrame_MissingDelimiters(t *testing.T) {
	_, err := ParseASCIIFrame([]byte("01030000000AF2\r\n"))
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrFrame))

	_, err = ParseASCIIFrame([]byte(":01030000000AF2"))
	require.Error(t, err)
}

func TestASCIIReceiver_HappyPath(t *testing.T) {
	r := NewASCIIReceiver(1000)
	for i, c := range ":01030000000AF2\r\n" {
		r.ProcessByte(byte(c), int64(i))
	}
	require.Equal(t, ASCIIComplete, r.State)
	assert.Equal(t, ":01030000000AF2\r\n", string(r.Frame()))
}

func TestASCIIReceiver_RestartsOnStrayColon(t *testing.T) {
	r := NewASCIIReceiver(1000)
	r.ProcessByte(':', 0)
	r.ProcessByte('0', 1)
	r.ProcessByte(':', 2)

	assert.Equal(t, ASCIIReceiving, r.State)
	assert.Equal(t, 1, r.index)
}

func TestASCIIReceiver_GarbageAfterCRIsError(t *testing.T) {
	r := NewASCIIReceiver(1000)
	r.ProcessByte(':', 0)
	r.ProcessByte('\r', 1)
	r.ProcessByte('X', 2)
	assert.Equal(t, ASCIIError, r.State)
}

func TestASCIIReceiver_Timeout(t *testing.T) {
	r := NewASCIIReceiver(100)
	r.ProcessByte(':', 0)
	assert.False(t, r.IsTimeout(50))
	assert.True(t, r.IsTimeout(101))
}
