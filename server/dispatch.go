package server

import "github.com/aics/modbus"

// ProcessPDU decodes req, invokes the matching DataStore callback, and
// returns the response PDU: a normal response, or an exception response if
// decoding, validation, or the callback itself failed. It always increments
// RequestsProcessed, and increments ExceptionsSent whenever the returned PDU
// is an exception.
//
// ProcessPDU never blocks and never mutates shared state beyond c.Stats()
// and the coarse State;
// it is safe to call concurrently from different Contexts, but requests
// against the same Context must be serialized by the caller (the transport
// layer does this naturally, one frame at a time).
func (c *Context) ProcessPDU(req modbus.PDU) modbus.PDU {
	c.setState(StateProcessing)
	defer c.setState(StateIdle)
	c.stats.RequestsProcessed.Add(1)

	resp := c.dispatch(req)
	if resp.IsException() {
		c.stats.ExceptionsSent.Add(1)
	}
	return resp
}

func (c *Context) dispatch(req modbus.PDU) modbus.PDU {
	switch req.FunctionCode {
	case modbus.FunctionReadCoils:
		return c.processReadBits(req, c.Store.ReadCoils)
	case modbus.FunctionReadDiscreteInputs:
		return c.processReadBits(req, c.Store.ReadDiscreteInputs)
	case modbus.FunctionReadHoldingRegisters:
		return c.processReadRegisters(req, c.Store.ReadHoldingRegisters)
	case modbus.FunctionReadInputRegisters:
		return c.processReadRegisters(req, c.Store.ReadInputRegisters)
	case modbus.FunctionWriteSingleCoil:
		return c.processWriteSingleCoil(req)
	case modbus.FunctionWriteSingleRegister:
		return c.processWriteSingleRegister(req)
	case modbus.FunctionWriteMultipleCoils:
		return c.processWriteMultipleCoils(req)
	case modbus.FunctionWriteMultipleRegisters:
		return c.processWriteMultipleRegisters(req)
	default:
		return modbus.EncodeException(req.FunctionCode, modbus.ExceptionIllegalFunction)
	}
}

type readBitsFunc func(start, quantity uint16, out []bool) modbus.Exception
type readRegistersFunc func(start, quantity uint16, out []uint16) modbus.Exception

func (c *Context) processReadBits(req modbus.PDU, read readBitsFunc) modbus.PDU {
	start, quantity, err := modbus.DecodeReadRequest(req, modbus.MaxReadBits)
	if err != nil {
		c.stats.ErrorsCount.Add(1)
		return modbus.EncodeException(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	out := make([]bool, quantity)
	if ex := read(start, quantity, out); ex != modbus.ExceptionNone {
		return modbus.EncodeException(req.FunctionCode, ex)
	}
	return modbus.EncodeReadBitsResponse(req.FunctionCode, out)
}

func (c *Context) processReadRegisters(req modbus.PDU, read readRegistersFunc) modbus.PDU {
	start, quantity, err := modbus.DecodeReadRequest(req, modbus.MaxReadRegisters)
	if err != nil {
		c.stats.ErrorsCount.Add(1)
		return modbus.EncodeException(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	out := make([]uint16, quantity)
	if ex := read(start, quantity, out); ex != modbus.ExceptionNone {
		return modbus.EncodeException(req.FunctionCode, ex)
	}
	return modbus.EncodeReadRegistersResponse(req.FunctionCode, out)
}

func (c *Context) processWriteSingleCoil(req modbus.PDU) modbus.PDU {
	address, value, err := modbus.DecodeWriteSingleCoilRequest(req)
	if err != nil {
		c.stats.ErrorsCount.Add(1)
		return modbus.EncodeException(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	if ex := c.Store.WriteSingleCoil(address, value); ex != modbus.ExceptionNone {
		return modbus.EncodeException(req.FunctionCode, ex)
	}
	return modbus.EncodeWriteSingleCoilResponse(address, value)
}

func (c *Context) processWriteSingleRegister(req modbus.PDU) modbus.PDU {
	address, value, err := modbus.DecodeWriteSingleRegisterRequest(req)
	if err != nil {
		c.stats.ErrorsCount.Add(1)
		return modbus.EncodeException(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	if ex := c.Store.WriteSingleRegister(address, value); ex != modbus.ExceptionNone {
		return modbus.EncodeException(req.FunctionCode, ex)
	}
	return modbus.EncodeWriteSingleRegisterResponse(address, value)
}

func (c *Context) processWriteMultipleCoils(req modbus.PDU) modbus.PDU {
	start, bits, err := modbus.DecodeWriteMultipleCoilsRequest(req)
	if err != nil {
		c.stats.ErrorsCount.Add(1)
		return modbus.EncodeException(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	if ex := c.Store.WriteMultipleCoils(start, uint16(len(bits)), bits); ex != modbus.ExceptionNone {
		return modbus.EncodeException(req.FunctionCode, ex)
	}
	return modbus.EncodeWriteMultipleCoilsResponse(start, len(bits))
}

func (c *Context) processWriteMultipleRegisters(req modbus.PDU) modbus.PDU {
	start, regs, err := modbus.DecodeWriteMultipleRegistersRequest(req)
	if err != nil {
		c.stats.ErrorsCount.Add(1)
		return modbus.EncodeException(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	if ex := c.Store.WriteMultipleRegisters(start, uint16(len(regs)), regs); ex != modbus.ExceptionNone {
		return modbus.EncodeException(req.FunctionCode, ex)
	}
	return modbus.EncodeWriteMultipleRegistersResponse(start, len(regs))
}

// acceptsUnit reports whether a request addressed to unitID should be
// processed at all: the broadcast address 0, or an exact match of c.UnitID.
func (c *Context) acceptsUnit(unitID uint8) bool {
	return unitID == 0 || unitID == c.UnitID
}

// ProcessRTU runs the full server-side pipeline for one RTU ADU: unit
// filtering, dispatch, and response envelope construction. shouldSend is
// false for frames addressed to a different unit (silently ignored) and for
// broadcasts (processed for side effects, never answered).
func (c *Context) ProcessRTU(req modbus.RTUADU) (resp modbus.RTUADU, shouldSend bool) {
	if !c.acceptsUnit(req.UnitID) {
		return modbus.RTUADU{}, false
	}
	respPDU := c.ProcessPDU(req.PDU)
	return modbus.RTUADU{UnitID: c.UnitID, PDU: respPDU}, req.UnitID != 0
}

// ProcessASCII has identical semantics to ProcessRTU for the ASCII transport.
func (c *Context) ProcessASCII(req modbus.ASCIIADU) (resp modbus.ASCIIADU, shouldSend bool) {
	if !c.acceptsUnit(req.UnitID) {
		return modbus.ASCIIADU{}, false
	}
	respPDU := c.ProcessPDU(req.PDU)
	return modbus.ASCIIADU{UnitID: c.UnitID, PDU: respPDU}, req.UnitID != 0
}

// ProcessTCP has the same unit-filtering and dispatch semantics as ProcessRTU,
// additionally echoing TransactionID and ProtocolID from request to response
// as the MBAP header requires.
func (c *Context) ProcessTCP(req modbus.TCPADU) (resp modbus.TCPADU, shouldSend bool) {
	if !c.acceptsUnit(req.UnitID) {
		return modbus.TCPADU{}, false
	}
	respPDU := c.ProcessPDU(req.PDU)
	return modbus.TCPADU{
		TransactionID: req.TransactionID,
		ProtocolID:    req.ProtocolID,
		UnitID:        c.UnitID,
		PDU:           respPDU,
	}, req.UnitID != 0
}
