package server

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aics/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackPort is a minimal io.ReadWriteCloser standing in for a real serial
// port: writes made by the SerialServer land in written; bytes queued via
// feed() are what Read returns. This lets tests
// drive SerialServer.serveRTU/serveASCII without a real device.
type loopbackPort struct {
	mu      sync.Mutex
	toRead  bytes.Buffer
	written bytes.Buffer
	closed  bool
}

func (p *loopbackPort) feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toRead.Write(b)
}

func (p *loopbackPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.toRead.Len() == 0 {
		return 0, nil
	}
	return p.toRead.Read(b)
}

func (p *loopbackPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *loopbackPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *loopbackPort) writtenBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

func TestSerialServer_RTU_RequestResponse(t *testing.T) {
	store := &memoryStore{}
	store.registers[0] = 0x1234
	ctx := NewContext(1, store)
	port := &loopbackPort{}
	s := &SerialServer{Protocol: SerialProtocolRTU, Handler: ctx, port: port}

	req := modbus.RTUADU{UnitID: 1, PDU: modbus.EncodeReadRequest(modbus.FunctionReadHoldingRegisters, 0, 1)}
	frame, err := modbus.BuildRTUFrame(req)
	require.NoError(t, err)
	port.feed(frame)

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}()
	require.NoError(t, s.Serve(done))

	resp, err := modbus.ParseRTUFrame(port.writtenBytes())
	require.NoError(t, err)
	assert.Equal(t, uint8(1), resp.UnitID)
	regs, err := modbus.DecodeReadRegistersResponse(resp.PDU, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234}, regs)
}

func TestSerialServer_RTU_BroadcastNeverAnswered(t *testing.T) {
	store := &memoryStore{}
	ctx := NewContext(1, store)
	port := &loopbackPort{}
	s := &SerialServer{Protocol: SerialProtocolRTU, Handler: ctx, port: port}

	req := modbus.RTUADU{UnitID: 0, PDU: modbus.EncodeWriteSingleRegisterRequest(0, 42)}
	frame, err := modbus.BuildRTUFrame(req)
	require.NoError(t, err)
	port.feed(frame)

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}()
	require.NoError(t, s.Serve(done))

	assert.Empty(t, port.writtenBytes())
	_, errs, _ := ctx.Stats().Snapshot()
	assert.Equal(t, uint32(0), errs)
	assert.Equal(t, uint16(42), store.registers[0])
}

func TestSerialServer_ASCII_RequestResponse(t *testing.T) {
	store := &memoryStore{}
	store.coils[3] = true
	ctx := NewContext(7, store)
	port := &loopbackPort{}
	s := &SerialServer{Protocol: SerialProtocolASCII, Handler: ctx, port: port}

	req := modbus.ASCIIADU{UnitID: 7, PDU: modbus.EncodeReadRequest(modbus.FunctionReadCoils, 0, 8)}
	frame, err := modbus.BuildASCIIFrame(req.UnitID, req.PDU)
	require.NoError(t, err)
	port.feed(frame)

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}()
	require.NoError(t, s.Serve(done))

	resp, err := modbus.ParseASCIIFrame(port.writtenBytes())
	require.NoError(t, err)
	bits, err := modbus.DecodeReadBitsResponse(resp.PDU, 8)
	require.NoError(t, err)
	assert.True(t, bits[3])
}

func TestSerialConfig_toTarmConfig(t *testing.T) {
	cfg := SerialConfig{Name: "/dev/ttyUSB0", Baudrate: 19200, DataBits: 8, StopBits: 1, Parity: "E"}
	tarmCfg, err := cfg.toTarmConfig()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", tarmCfg.Name)
	assert.Equal(t, 19200, tarmCfg.Baud)

	_, err = (SerialConfig{Parity: "X"}).toTarmConfig()
	assert.Error(t, err)

	_, err = (SerialConfig{StopBits: 3}).toTarmConfig()
	assert.Error(t, err)
}

var _ io.ReadWriteCloser = (*loopbackPort)(nil)
