package server

import (
	"context"
	"time"

	"github.com/aics/modbus"
)

// ModbusHandler is called once a PacketAssembler has recognized a complete
// Modbus TCP ADU. *Context implements this by running the unit-filtered
// dispatch pipeline (ProcessTCP); tests and alternative servers can supply
// their own implementation.
type ModbusHandler interface {
	HandleTCP(ctx context.Context, req modbus.TCPADU) (resp modbus.TCPADU, shouldSend bool)
}

// HandleTCP implements ModbusHandler by delegating to ProcessTCP.
func (c *Context) HandleTCP(ctx context.Context, req modbus.TCPADU) (modbus.TCPADU, bool) {
	return c.ProcessTCP(req)
}

// DefaultTCPFrameTimeoutMs is the overall per-frame timeout used by
// ModbusTCPAssembler, matching the default response timeout in the spec's
// configuration surface.
const DefaultTCPFrameTimeoutMs = 1000

// ModbusTCPAssembler is a PacketAssembler that recognizes complete Modbus
// TCP ADUs from the connection's byte stream using modbus.TCPReceiver, and
// dispatches each to a ModbusHandler. A connection may carry many requests
// in sequence; the receiver is reset after each complete frame.
type ModbusTCPAssembler struct {
	Handler  ModbusHandler
	receiver *modbus.TCPReceiver
}

// ReceiveRead feeds newly read bytes to the TCP receiver state machine. Once
// a complete frame has been recognized it is parsed, dispatched, and (unless
// the request was a broadcast) the response bytes are returned for the
// caller to write back to the connection. Malformed frames are dropped
// silently and never answered, per the transport-framing error policy.
func (m *ModbusTCPAssembler) ReceiveRead(ctx context.Context, received []byte, bytesRead int) (response []byte, closeConnection bool) {
	if m.receiver == nil {
		m.receiver = modbus.NewTCPReceiver(DefaultTCPFrameTimeoutMs)
	}
	now := time.Now().UnixMilli()
	if m.receiver.IsTimeout(now) {
		// a partial frame older than the timeout is stale; drop it
		m.receiver.Reset()
	}
	m.receiver.Feed(received[:bytesRead], now)

	switch m.receiver.State {
	case modbus.TCPComplete:
		frame := append([]byte(nil), m.receiver.Frame()...)
		m.receiver.Reset()

		adu, err := modbus.ParseTCPFrame(frame)
		if err != nil {
			return nil, false
		}
		resp, shouldSend := m.Handler.HandleTCP(ctx, adu)
		if !shouldSend {
			return nil, false
		}
		out, err := modbus.BuildTCPFrame(resp)
		if err != nil {
			return nil, false
		}
		return out, false
	case modbus.TCPError:
		m.receiver.Reset()
		return nil, false
	default:
		return nil, false // wait for more data
	}
}
