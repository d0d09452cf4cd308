// Package modbus implements the protocol-agnostic core of a Modbus
// library: encoding and decoding of Protocol Data Units (PDU), framing and
// deframing for RTU, ASCII and TCP transports, and the byte/char/stream-fed
// receiver state machines that recognize frame boundaries from a live
// source. Server-side request dispatch lives in the server subpackage.
//
// The core never touches a physical transport itself - callers feed bytes
// to a receiver, hand the assembled frame to the matching Parse*Frame, and
// write the bytes returned by the matching Build*Frame. See the server
// package for a batteries-included net.Listener/serial.Port driven server.
package modbus

// Mode distinguishes a server (responds to requests) from a client/master
// (issues requests) configuration. The core itself implements only the
// server side of request processing; Mode is carried for configuration
// surfaces that need to describe both roles.
type Mode uint8

const (
	ModeServer Mode = iota
	ModeClient
)

// Protocol selects which of the three framing disciplines a transport
// configuration uses.
type Protocol uint8

const (
	ProtocolRTU Protocol = iota
	ProtocolASCII
	ProtocolTCP
)

// DefaultTCPPort is the standard Modbus TCP listen port.
const DefaultTCPPort = 502

// BroadcastUnitID is the reserved unit ID meaning "every listening server,
// and never answer". It is also accepted as a wildcard match for any
// configured UnitID on the incoming filter.
const BroadcastUnitID uint8 = 0

// SerialTransportConfig mirrors the spec's `transport.serial` configuration
// surface. It is plain data and no transport in this module reads it;
// server.SerialConfig is the separate struct from which the tarm/serial
// wiring is built when a serial transport is opened.
type SerialTransportConfig struct {
	Baudrate int
	DataBits int
	StopBits int
	Parity   string
}

// TCPTransportConfig mirrors the spec's `transport.tcp` configuration
// surface.
type TCPTransportConfig struct {
	Port      int
	TimeoutMs int
}

// Config is the library consumer's configuration surface (not a CLI): the
// union of what a server or a master/client needs to stand up one context
// on one transport.
type Config struct {
	Mode     Mode
	Protocol Protocol

	// UnitID is this endpoint's slave/unit address, 1..247. 0 is reserved
	// for the incoming broadcast filter and is not a valid configured
	// UnitID.
	UnitID uint8

	// ResponseTimeoutMs bounds how long a master waits for a response;
	// unused in Mode == ModeServer.
	ResponseTimeoutMs int

	Serial SerialTransportConfig
	TCP    TCPTransportConfig
}
