package server

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aics/modbus"
	"github.com/tarm/serial"
)

// SerialProtocol selects which serial framing discipline SerialServer uses
// to recognize frame boundaries: RTU (timing based) or ASCII (delimiter
// based). This is the serial half of the spec's `protocol` configuration
// field; TCP is served by Server/ModbusTCPAssembler instead.
type SerialProtocol uint8

const (
	SerialProtocolRTU SerialProtocol = iota
	SerialProtocolASCII
)

// SerialConfig mirrors the spec's transport.serial configuration surface.
// Baudrate drives the RTU receiver's inter-character/inter-frame timing
// (modbus.RTUTimingForBaud); it has no effect on ASCII framing, which is
// timed by FrameTimeout alone.
type SerialConfig struct {
	// Name is the OS device path, e.g. "/dev/ttyUSB0" or "COM3".
	Name     string
	Baudrate int
	DataBits int // 7 or 8
	StopBits int // 1 or 2
	Parity   string // "N", "E", or "O"

	// FrameTimeout bounds how long the ASCII receiver waits for a frame to
	// complete once the first byte has arrived. Defaults to 1s. RTU framing
	// does not use it; it is timed by Baudrate alone.
	FrameTimeout time.Duration
}

func (c SerialConfig) toTarmConfig() (*serial.Config, error) {
	size := byte(8)
	if c.DataBits != 0 {
		size = byte(c.DataBits)
	}
	var stop serial.StopBits
	switch c.StopBits {
	case 0, 1:
		stop = serial.Stop1
	case 2:
		stop = serial.Stop2
	default:
		return nil, fmt.Errorf("modbus: unsupported stop bits: %d", c.StopBits)
	}
	var parity serial.Parity
	switch c.Parity {
	case "", "N":
		parity = serial.ParityNone
	case "E":
		parity = serial.ParityEven
	case "O":
		parity = serial.ParityOdd
	default:
		return nil, fmt.Errorf("modbus: unsupported parity: %q", c.Parity)
	}
	return &serial.Config{
		Name:     c.Name,
		Baud:     c.Baudrate,
		Size:     size,
		StopBits: stop,
		Parity:   parity,
		// short internal read deadline so SerialServer's own loop can poll
		// the receiver's timeout and react to context cancellation.
		ReadTimeout: 10 * time.Millisecond,
	}, nil
}

// SerialServer drives a Context over a single serial port using the
// protocol-appropriate byte-fed receiver state machine (modbus.RTUReceiver
// or modbus.ASCIIReceiver), following the read/flush/timeout structure of
// a conventional serial transport loop but feeding bytes into the receiver
// instead of accumulating toward a known response length.
type SerialServer struct {
	Protocol SerialProtocol
	Handler  *Context

	// OnErrorFunc receives non-fatal per-frame errors (corrupt frames,
	// read errors between frames). A nil func discards them.
	OnErrorFunc func(error)

	baudrate       int
	frameTimeoutMs int64
	port           io.ReadWriteCloser
}

// NewSerialServer opens the serial port described by cfg and returns a
// SerialServer ready to Serve requests against handler.
func NewSerialServer(cfg SerialConfig, protocol SerialProtocol, handler *Context) (*SerialServer, error) {
	tarmCfg, err := cfg.toTarmConfig()
	if err != nil {
		return nil, err
	}
	port, err := serial.OpenPort(tarmCfg)
	if err != nil {
		return nil, fmt.Errorf("modbus: opening serial port %q: %w", cfg.Name, err)
	}
	timeout := cfg.FrameTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &SerialServer{
		Protocol:       protocol,
		Handler:        handler,
		baudrate:       cfg.Baudrate,
		frameTimeoutMs: timeout.Milliseconds(),
		port:           port,
	}, nil
}

// Close closes the underlying serial port.
func (s *SerialServer) Close() error {
	return s.port.Close()
}

func (s *SerialServer) reportError(err error) {
	if s.OnErrorFunc != nil {
		s.OnErrorFunc(err)
	}
}

// Serve reads from the serial port until done is closed, recognizing one
// frame at a time, dispatching it through the Handler, and writing back the
// response (unless the request was a broadcast, which per the protocol is
// processed for side effects but never answered). Malformed frames are
// dropped silently, matching the transport-framing error policy: they are
// never converted into Modbus exceptions.
func (s *SerialServer) Serve(done <-chan struct{}) error {
	switch s.Protocol {
	case SerialProtocolRTU:
		return s.serveRTU(done)
	case SerialProtocolASCII:
		return s.serveASCII(done)
	default:
		return errors.New("modbus: unknown serial protocol")
	}
}

func (s *SerialServer) serveRTU(done <-chan struct{}) error {
	recv := modbus.NewRTUReceiver(s.baudrate)
	buf := make([]byte, 300)
	for {
		select {
		case <-done:
			return nil
		default:
		}

		n, err := s.port.Read(buf)
		now := time.Now().UnixMicro()
		if n > 0 {
			for _, b := range buf[:n] {
				recv.ProcessByte(b, now)
			}
		} else {
			recv.Poll(now)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			s.reportError(fmt.Errorf("modbus: serial read: %w", err))
		}

		switch recv.State {
		case modbus.RTUComplete:
			s.handleRTUFrame(recv.Frame())
			recv.Reset()
		case modbus.RTUError:
			s.reportError(errors.New("modbus: rtu receiver error, frame dropped"))
			recv.Reset()
		}
	}
}

func (s *SerialServer) handleRTUFrame(frame []byte) {
	req, err := modbus.ParseRTUFrame(frame)
	if err != nil {
		s.reportError(fmt.Errorf("modbus: rtu frame dropped: %w", err))
		return
	}
	resp, shouldSend := s.Handler.ProcessRTU(req)
	if !shouldSend {
		return
	}
	out, err := modbus.BuildRTUFrame(resp)
	if err != nil {
		s.reportError(fmt.Errorf("modbus: rtu response build: %w", err))
		return
	}
	if _, err := s.port.Write(out); err != nil {
		s.reportError(fmt.Errorf("modbus: rtu response write: %w", err))
	}
}

func (s *SerialServer) serveASCII(done <-chan struct{}) error {
	timeoutMs := s.frameTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 1000
	}
	recv := modbus.NewASCIIReceiver(timeoutMs)
	buf := make([]byte, 300)
	for {
		select {
		case <-done:
			return nil
		default:
		}

		n, err := s.port.Read(buf)
		now := time.Now().UnixMilli()
		for _, c := range buf[:n] {
			recv.ProcessByte(c, now)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			s.reportError(fmt.Errorf("modbus: serial read: %w", err))
		}

		switch {
		case recv.State == modbus.ASCIIComplete:
			s.handleASCIIFrame(recv.Frame())
			recv.Reset()
		case recv.State == modbus.ASCIIError:
			s.reportError(errors.New("modbus: ascii receiver error, frame dropped"))
			recv.Reset()
		case recv.IsTimeout(now):
			s.reportError(errors.New("modbus: ascii frame timed out, frame dropped"))
			recv.Reset()
		}
	}
}

func (s *SerialServer) handleASCIIFrame(frame []byte) {
	req, err := modbus.ParseASCIIFrame(frame)
	if err != nil {
		s.reportError(fmt.Errorf("modbus: ascii frame dropped: %w", err))
		return
	}
	resp, shouldSend := s.Handler.ProcessASCII(req)
	if !shouldSend {
		return
	}
	out, err := modbus.BuildASCIIFrame(resp.UnitID, resp.PDU)
	if err != nil {
		s.reportError(fmt.Errorf("modbus: ascii response build: %w", err))
		return
	}
	if _, err := s.port.Write(out); err != nil {
		s.reportError(fmt.Errorf("modbus: ascii response write: %w", err))
	}
}
