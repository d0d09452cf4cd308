package modbus

import (
	"encoding/binary"
	"sync/atomic"
)

const (
	mbapHeaderLen  = 7
	tcpMinFrameLen = 8
	tcpMaxFrameLen = 260
)

// TCPADU is the parsed form of a Modbus TCP frame: the MBAP header fields
// plus the PDU.
type TCPADU struct {
	TransactionID uint16
	ProtocolID    uint16
	UnitID        uint8
	PDU           PDU
}

// BuildTCPFrame writes the 7-byte MBAP header (protocol_id=0,
// length=1+len(pdu)) followed by the serialized PDU.
func BuildTCPFrame(adu TCPADU) ([]byte, error) {
	pduBytes, err := adu.PDU.Serialize()
	if err != nil {
		return nil, err
	}
	total := mbapHeaderLen + len(pduBytes)
	if total > tcpMaxFrameLen {
		return nil, newDecodeError(ErrBufferOverflow, "tcp frame exceeds maximum size")
	}
	out := make([]byte, total)
	binary.BigEndian.PutUint16(out[0:2], adu.TransactionID)
	binary.BigEndian.PutUint16(out[2:4], 0)
	binary.BigEndian.PutUint16(out[4:6], uint16(1+len(pduBytes)))
	out[6] = adu.UnitID
	copy(out[7:], pduBytes)
	return out, nil
}

// ParseTCPFrame validates the MBAP header (protocol id must be 0, length
// field must match the actual frame length) and decodes the PDU.
func ParseTCPFrame(frame []byte) (TCPADU, error) {
	if len(frame) < tcpMinFrameLen || len(frame) > tcpMaxFrameLen {
		return TCPADU{}, newDecodeError(ErrFrame, "tcp frame length out of range")
	}
	protocolID := binary.BigEndian.Uint16(frame[2:4])
	if protocolID != 0 {
		return TCPADU{}, newDecodeError(ErrFrame, "tcp protocol id must be 0")
	}
	lengthField := binary.BigEndian.Uint16(frame[4:6])
	if int(lengthField) != len(frame)-6 {
		return TCPADU{}, newDecodeError(ErrFrame, "tcp length field does not match frame length")
	}
	pdu, err := DeserializePDU(frame[7:])
	if err != nil {
		return TCPADU{}, err
	}
	return TCPADU{
		TransactionID: binary.BigEndian.Uint16(frame[0:2]),
		ProtocolID:    protocolID,
		UnitID:        frame[6],
		PDU:           pdu,
	}, nil
}

// TransactionIDAllocator issues monotonically incrementing 16-bit transaction
// IDs for a master/client context. It is a per-instance replacement for the
// reference implementation's process-wide counter: callers needing process
// lifetime sharing can embed one allocator in a shared context instead.
type TransactionIDAllocator struct {
	next atomic.Uint32
}

// Next returns the next transaction ID, wrapping modulo 2^16.
func (a *TransactionIDAllocator) Next() uint16 {
	return uint16(a.next.Add(1))
}

// Reset sets the allocator back to its zero state.
func (a *TransactionIDAllocator) Reset() {
	a.next.Store(0)
}

// Set forces the next allocation to continue from id+1.
func (a *TransactionIDAllocator) Set(id uint16) {
	a.next.Store(uint32(id))
}

type tcpRxState uint8

const (
	TCPHeader tcpRxState = iota
	TCPPdu
	TCPComplete
	TCPError
)

// TCPReceiver is a stream-fed state machine that recognizes a complete TCP
// ADU from the 7-byte MBAP header's length field. Bytes may arrive in
// arbitrary chunk sizes.
type TCPReceiver struct {
	State         tcpRxState
	buffer        [tcpMaxFrameLen]byte
	index         int
	expectedTotal int
	startTime     int64
	timeoutMs     int64
	started       bool
}

// NewTCPReceiver creates a receiver with the given overall frame timeout in
// milliseconds.
func NewTCPReceiver(timeoutMs int64) *TCPReceiver {
	return &TCPReceiver{State: TCPHeader, timeoutMs: timeoutMs}
}

// Reset returns the receiver to the initial header-accumulation state.
func (r *TCPReceiver) Reset() {
	r.State = TCPHeader
	r.index = 0
	r.expectedTotal = 0
	r.started = false
}

// Feed appends a chunk of received bytes and advances the state machine. ts
// is the wall-clock timestamp in milliseconds, used to anchor the timeout on
// the first byte of a new frame.
func (r *TCPReceiver) Feed(chunk []byte, ts int64) {
	for _, b := range chunk {
		if r.State == TCPComplete || r.State == TCPError {
			return
		}
		if !r.started {
			r.started = true
			r.startTime = ts
		}
		if r.index >= tcpMaxFrameLen {
			r.State = TCPError
			return
		}
		r.buffer[r.index] = b
		r.index++

		if r.State == TCPHeader && r.index == mbapHeaderLen {
			protocolID := binary.BigEndian.Uint16(r.buffer[2:4])
			lengthField := binary.BigEndian.Uint16(r.buffer[4:6])
			if protocolID != 0 || lengthField < 2 || lengthField > 254 {
				r.State = TCPError
				return
			}
			total := mbapHeaderLen - 1 + int(lengthField)
			if total > tcpMaxFrameLen {
				r.State = TCPError
				return
			}
			r.expectedTotal = total
			r.State = TCPPdu
		}
		if r.State == TCPPdu && r.index == r.expectedTotal {
			r.State = TCPComplete
			return
		}
	}
}

// IsTimeout reports whether the configured timeout has elapsed since the
// first byte of the in-progress frame arrived.
func (r *TCPReceiver) IsTimeout(ts int64) bool {
	if !r.started || r.State == TCPComplete || r.State == TCPError {
		return false
	}
	return ts-r.startTime >= r.timeoutMs
}

// Frame returns the accumulated bytes once State is TCPComplete.
func (r *TCPReceiver) Frame() []byte {
	return r.buffer[:r.index]
}
