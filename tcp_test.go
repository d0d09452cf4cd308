package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCP_BuildParseRoundTrip(t *testing.T) {
	adu := TCPADU{
		TransactionID: 1,
		ProtocolID:    0,
		UnitID:        1,
		PDU:           EncodeReadRequest(FunctionReadHoldingRegisters, 0, 10),
	}
	frame, err := BuildTCPFrame(adu)
	require.NoError(t, err)

	// scenario 5: TCP FC03 request.
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, frame)

	got, err := ParseTCPFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, adu, got)
}

func TestTCP_ParseFrame_WrongProtocolID(t *testing.T) {
	frame := []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	_, err := ParseTCPFrame(frame)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrFrame))
}

func TestTCP_ParseFrame_WrongLengthField(t *testing.T) {
	frame := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x10, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	_, err := ParseTCPFrame(frame)
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrFrame))
}

func TestTransactionIDAllocator(t *testing.T) {
	var a TransactionIDAllocator
	assert.Equal(t, uint16(1), a.Next())
	assert.Equal(t, uint16(2), a.Next())
	a.Reset()
	assert.Equal(t, uint16(1), a.Next())
	a.Set(100)
	assert.Equal(t, uint16(101), a.Next())
}

func TestTCPReceiver_ChunkedFeed(t *testing.T) {
	frame := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	r := NewTCPReceiver(1000)

	r.Feed(frame[:3], 0)
	assert.Equal(t, TCPHeader, r.State)
	r.Feed(frame[3:9], 10)
	assert.Equal(t, TCPPdu, r.State)
	r.Feed(frame[9:], 20)
	assert.Equal(t, TCPComplete, r.State)
	assert.Equal(t, frame, r.Frame())
}

func TestTCPReceiver_InvalidHeaderIsError(t *testing.T) {
	r := NewTCPReceiver(1000)
	r.Feed([]byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01}, 0)
	assert.Equal(t, TCPError, r.State)
}

func TestTCPReceiver_Timeout(t *testing.T) {
	r := NewTCPReceiver(100)
	r.Feed([]byte{0x00, 0x01}, 0)
	assert.False(t, r.IsTimeout(50))
	assert.True(t, r.IsTimeout(101))
}
