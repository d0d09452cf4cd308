package server

import "sync/atomic"

// State is a coarse-grained progress signal for observers. It is not
// consulted by ProcessPDU itself, which is a pure function of the Context's
// configuration and the decoded request save for the statistics counters.
type State uint8

const (
	StateIdle State = iota
	StateReceiving
	StateProcessing
	StateSending
	StateWaitingResponse
	StateError
)

// Statistics are monotonically increasing counters, safe to read from any
// goroutine while a Context is processing requests on another.
type Statistics struct {
	RequestsProcessed atomic.Uint32
	ErrorsCount       atomic.Uint32
	ExceptionsSent    atomic.Uint32
}

// Snapshot returns the current counter values.
func (s *Statistics) Snapshot() (requests, errs, exceptions uint32) {
	return s.RequestsProcessed.Load(), s.ErrorsCount.Load(), s.ExceptionsSent.Load()
}

// Reset zeroes all counters.
func (s *Statistics) Reset() {
	s.RequestsProcessed.Store(0)
	s.ErrorsCount.Store(0)
	s.ExceptionsSent.Store(0)
}

// Context is the per-instance server lifecycle: configuration, coarse state,
// the application DataStore, and statistics. Unlike the reference
// implementation's fixed-size scratch buffers, this port lets the PDU codec
// allocate its own (GC-managed) response buffers - a Context holds no
// scratch memory of its own, since nothing here is shared across concurrent
// requests on the same Context by construction (requests on one Context are
// processed strictly in arrival order, see ProcessPDU).
type Context struct {
	// UnitID is this server's configured unit/slave address. A request is
	// processed only when its unit id equals UnitID or is the broadcast
	// address 0; broadcasts are never answered.
	UnitID uint8
	// Store is the application callback interface; it must be set before
	// ProcessPDU is called.
	Store DataStore

	state atomic.Uint32
	stats Statistics
}

// NewContext creates a Context bound to unitID and store.
func NewContext(unitID uint8, store DataStore) *Context {
	return &Context{UnitID: unitID, Store: store}
}

// State returns the current coarse-grained state.
func (c *Context) State() State {
	return State(c.state.Load())
}

func (c *Context) setState(s State) {
	c.state.Store(uint32(s))
}

// Stats returns the context's statistics counters.
func (c *Context) Stats() *Statistics {
	return &c.stats
}
