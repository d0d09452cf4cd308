// Package server implements the Modbus server-side dispatch core: it turns a
// decoded request PDU into a response PDU by calling into an application
// supplied DataStore, and exposes the stateful, per-instance context that
// glues that dispatch to the RTU/ASCII/TCP transports.
package server

import "github.com/aics/modbus"

// DataStore is the callback interface (C8) through which the dispatch core
// reads and writes application data. Every method returns a modbus.Exception;
// modbus.ExceptionNone means success. A DataStore does not know about wire
// framing, unit filtering, or statistics - those are the Context's job.
//
// Buffers passed to read callbacks are borrowed for the duration of the call
// and must not be retained; buffers passed to write callbacks are likewise
// only valid until the call returns.
type DataStore interface {
	// ReadCoils fills out (pre-zeroed by the caller) with the requested
	// coils, one bool per coil starting at start.
	ReadCoils(start, quantity uint16, out []bool) modbus.Exception
	// ReadDiscreteInputs has identical semantics to ReadCoils for discrete
	// inputs (read-only bits).
	ReadDiscreteInputs(start, quantity uint16, out []bool) modbus.Exception
	// ReadHoldingRegisters fills out with quantity 16-bit register values
	// starting at start.
	ReadHoldingRegisters(start, quantity uint16, out []uint16) modbus.Exception
	// ReadInputRegisters has identical semantics to ReadHoldingRegisters for
	// read-only registers.
	ReadInputRegisters(start, quantity uint16, out []uint16) modbus.Exception
	// WriteSingleCoil sets the coil at address to value.
	WriteSingleCoil(address uint16, value bool) modbus.Exception
	// WriteSingleRegister sets the register at address to value.
	WriteSingleRegister(address uint16, value uint16) modbus.Exception
	// WriteMultipleCoils sets quantity coils starting at start from values.
	WriteMultipleCoils(start, quantity uint16, values []bool) modbus.Exception
	// WriteMultipleRegisters sets quantity registers starting at start from
	// values.
	WriteMultipleRegisters(start, quantity uint16, values []uint16) modbus.Exception
}

// A DataStore implementation that has no entry for a requested address range
// must return modbus.ExceptionIllegalDataAddress; the dispatch core has no
// knowledge of the application's address map and cannot validate this itself.
