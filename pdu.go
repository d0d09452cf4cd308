package modbus

import "encoding/binary"

// Function codes recognized by the core. Any other value is rejected by the
// server core with ExceptionIllegalFunction; the codec itself only knows how
// to encode/decode these eight.
const (
	FunctionReadCoils              uint8 = 0x01
	FunctionReadDiscreteInputs     uint8 = 0x02
	FunctionReadHoldingRegisters   uint8 = 0x03
	FunctionReadInputRegisters     uint8 = 0x04
	FunctionWriteSingleCoil        uint8 = 0x05
	FunctionWriteSingleRegister    uint8 = 0x06
	FunctionWriteMultipleCoils     uint8 = 0x0F
	FunctionWriteMultipleRegisters uint8 = 0x10

	exceptionBit uint8 = 0x80
)

// Limits on request quantities, per the Modbus Application Protocol and
// mirrored by the compile-time caps of the original library.
const (
	MaxReadBits          = 2000
	MaxReadRegisters     = 125
	MaxWriteCoils        = 1968
	MaxWriteRegisters    = 123
	MaxPDUSize           = 253
	MaxPDUDataSize       = MaxPDUSize - 1
	coilOn        uint16 = 0xFF00
	coilOff       uint16 = 0x0000
)

// PDU is a Modbus Protocol Data Unit: a function code plus up to 252 bytes
// of payload. A PDU with the high bit of FunctionCode set is an exception
// response; Data then holds exactly one byte, the exception code.
type PDU struct {
	FunctionCode uint8
	Data         []byte
}

// IsException reports whether p is an exception response.
func (p PDU) IsException() bool {
	return p.FunctionCode&exceptionBit != 0
}

// Exception returns the exception code carried by an exception PDU. The
// result is meaningless if IsException is false.
func (p PDU) Exception() Exception {
	if len(p.Data) < 1 {
		return ExceptionNone
	}
	return Exception(p.Data[0])
}

// Serialize writes the wire form of p: the function code followed by Data.
func (p PDU) Serialize() ([]byte, error) {
	if len(p.Data) > MaxPDUDataSize {
		return nil, newDecodeError(ErrBufferOverflow, "pdu data exceeds maximum size")
	}
	out := make([]byte, 1+len(p.Data))
	out[0] = p.FunctionCode
	copy(out[1:], p.Data)
	return out, nil
}

// DeserializePDU is the inverse of Serialize.
func DeserializePDU(data []byte) (PDU, error) {
	if len(data) == 0 {
		return PDU{}, newDecodeError(ErrFrame, "empty pdu")
	}
	if len(data) > MaxPDUSize {
		return PDU{}, newDecodeError(ErrBufferOverflow, "pdu exceeds maximum size")
	}
	p := PDU{FunctionCode: data[0]}
	if len(data) > 1 {
		p.Data = append([]byte(nil), data[1:]...)
	}
	return p, nil
}

// EncodeException builds an exception response PDU for the given request
// function code (the high bit is set on the wire).
func EncodeException(requestFunctionCode uint8, ex Exception) PDU {
	return PDU{FunctionCode: requestFunctionCode | exceptionBit, Data: []byte{byte(ex)}}
}

func byteCount(bitCount int) int {
	return (bitCount + 7) / 8
}

// packBits packs bools into LSB-first bytes, as read_coils/read_discrete_inputs
// and write_multiple_coils do on the wire.
func packBits(bits []bool) []byte {
	out := make([]byte, byteCount(len(bits)))
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(packed []byte, quantity int) []bool {
	out := make([]bool, quantity)
	for i := 0; i < quantity; i++ {
		out[i] = packed[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

// ---- Read coils / discrete inputs / holding / input registers requests ----

// EncodeReadRequest builds the request PDU for FC 01/02/03/04: start address
// and quantity.
func EncodeReadRequest(fc uint8, start, quantity uint16) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return PDU{FunctionCode: fc, Data: data}
}

// DecodeReadRequest decodes the start address and quantity from a FC
// 01/02/03/04 request PDU and validates quantity against max (2000 for
// bits, 125 for registers, chosen by the caller based on fc).
func DecodeReadRequest(p PDU, max uint16) (start, quantity uint16, err error) {
	if len(p.Data) != 4 {
		return 0, 0, newDecodeError(ErrFrame, "read request must carry 4 bytes")
	}
	start = binary.BigEndian.Uint16(p.Data[0:2])
	quantity = binary.BigEndian.Uint16(p.Data[2:4])
	if quantity < 1 || quantity > max {
		return start, quantity, newDecodeError(ErrInvalidParam, "quantity out of range")
	}
	return start, quantity, nil
}

// EncodeReadBitsResponse builds the FC 01/02 response: byte_count followed
// by the LSB-first packed bits.
func EncodeReadBitsResponse(fc uint8, bits []bool) PDU {
	packed := packBits(bits)
	data := make([]byte, 1+len(packed))
	data[0] = byte(len(packed))
	copy(data[1:], packed)
	return PDU{FunctionCode: fc, Data: data}
}

// DecodeReadBitsResponse unpacks a FC 01/02 response into quantity bools.
func DecodeReadBitsResponse(p PDU, quantity int) ([]bool, error) {
	if len(p.Data) < 1 {
		return nil, newDecodeError(ErrFrame, "read bits response too short")
	}
	count := int(p.Data[0])
	if len(p.Data) != 1+count || count != byteCount(quantity) {
		return nil, newDecodeError(ErrFrame, "byte count does not match quantity")
	}
	return unpackBits(p.Data[1:], quantity), nil
}

// EncodeReadRegistersResponse builds the FC 03/04 response: byte_count
// followed by big-endian 16-bit register values.
func EncodeReadRegistersResponse(fc uint8, regs []uint16) PDU {
	data := make([]byte, 1+2*len(regs))
	data[0] = byte(2 * len(regs))
	for i, r := range regs {
		binary.BigEndian.PutUint16(data[1+2*i:3+2*i], r)
	}
	return PDU{FunctionCode: fc, Data: data}
}

// DecodeReadRegistersResponse extracts quantity register values from a FC
// 03/04 response.
func DecodeReadRegistersResponse(p PDU, quantity int) ([]uint16, error) {
	if len(p.Data) < 1 {
		return nil, newDecodeError(ErrFrame, "read registers response too short")
	}
	count := int(p.Data[0])
	if len(p.Data) != 1+count || count != 2*quantity {
		return nil, newDecodeError(ErrFrame, "byte count does not match quantity")
	}
	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(p.Data[1+2*i : 3+2*i])
	}
	return regs, nil
}

// ---- Write single coil (FC 05) ----

// EncodeWriteSingleCoilRequest builds a FC 05 request. value is canonicalized
// to 0xFF00 (on) or 0x0000 (off) on the wire.
func EncodeWriteSingleCoilRequest(address uint16, value bool) PDU {
	v := coilOff
	if value {
		v = coilOn
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], v)
	return PDU{FunctionCode: FunctionWriteSingleCoil, Data: data}
}

// DecodeWriteSingleCoilRequest decodes and validates a FC 05 request; the
// value field must be exactly 0xFF00 or 0x0000.
func DecodeWriteSingleCoilRequest(p PDU) (address uint16, value bool, err error) {
	if len(p.Data) != 4 {
		return 0, false, newDecodeError(ErrFrame, "write single coil request must carry 4 bytes")
	}
	address = binary.BigEndian.Uint16(p.Data[0:2])
	raw := binary.BigEndian.Uint16(p.Data[2:4])
	switch raw {
	case coilOn:
		return address, true, nil
	case coilOff:
		return address, false, nil
	default:
		return address, false, newDecodeError(ErrInvalidParam, "coil value must be 0xFF00 or 0x0000")
	}
}

// EncodeWriteSingleCoilResponse echoes address and value, as the Modbus
// specification requires for a successful FC 05 response.
func EncodeWriteSingleCoilResponse(address uint16, value bool) PDU {
	return EncodeWriteSingleCoilRequest(address, value)
}

// ---- Write single register (FC 06) ----

// EncodeWriteSingleRegisterRequest builds a FC 06 request.
func EncodeWriteSingleRegisterRequest(address, value uint16) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], value)
	return PDU{FunctionCode: FunctionWriteSingleRegister, Data: data}
}

// DecodeWriteSingleRegisterRequest decodes a FC 06 request.
func DecodeWriteSingleRegisterRequest(p PDU) (address, value uint16, err error) {
	if len(p.Data) != 4 {
		return 0, 0, newDecodeError(ErrFrame, "write single register request must carry 4 bytes")
	}
	return binary.BigEndian.Uint16(p.Data[0:2]), binary.BigEndian.Uint16(p.Data[2:4]), nil
}

// EncodeWriteSingleRegisterResponse echoes address and value.
func EncodeWriteSingleRegisterResponse(address, value uint16) PDU {
	return EncodeWriteSingleRegisterRequest(address, value)
}

// ---- Write multiple coils (FC 15) ----

// EncodeWriteMultipleCoilsRequest builds a FC 15 request from quantity bit
// values.
func EncodeWriteMultipleCoilsRequest(start uint16, bits []bool) PDU {
	packed := packBits(bits)
	data := make([]byte, 5+len(packed))
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(bits)))
	data[4] = byte(len(packed))
	copy(data[5:], packed)
	return PDU{FunctionCode: FunctionWriteMultipleCoils, Data: data}
}

// DecodeWriteMultipleCoilsRequest decodes and fully validates a FC 15
// request: quantity must be in [1,1968] and byte_count must equal
// ceil(quantity/8) (open question (a): both are cross-validated).
func DecodeWriteMultipleCoilsRequest(p PDU) (start uint16, bits []bool, err error) {
	if len(p.Data) < 5 {
		return 0, nil, newDecodeError(ErrFrame, "write multiple coils request too short")
	}
	start = binary.BigEndian.Uint16(p.Data[0:2])
	quantity := binary.BigEndian.Uint16(p.Data[2:4])
	count := int(p.Data[4])
	if len(p.Data) != 5+count {
		return start, nil, newDecodeError(ErrFrame, "byte count does not match payload length")
	}
	if quantity < 1 || quantity > MaxWriteCoils {
		return start, nil, newDecodeError(ErrInvalidParam, "quantity out of range")
	}
	if count != byteCount(int(quantity)) {
		return start, nil, newDecodeError(ErrInvalidParam, "byte count does not match quantity")
	}
	return start, unpackBits(p.Data[5:], int(quantity)), nil
}

// EncodeWriteMultipleCoilsResponse echoes start address and quantity.
func EncodeWriteMultipleCoilsResponse(start uint16, quantity int) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], uint16(quantity))
	return PDU{FunctionCode: FunctionWriteMultipleCoils, Data: data}
}

// ---- Write multiple registers (FC 16) ----

// EncodeWriteMultipleRegistersRequest builds a FC 16 request.
func EncodeWriteMultipleRegistersRequest(start uint16, regs []uint16) PDU {
	data := make([]byte, 5+2*len(regs))
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(regs)))
	data[4] = byte(2 * len(regs))
	for i, r := range regs {
		binary.BigEndian.PutUint16(data[5+2*i:7+2*i], r)
	}
	return PDU{FunctionCode: FunctionWriteMultipleRegisters, Data: data}
}

// DecodeWriteMultipleRegistersRequest decodes and fully validates a FC 16
// request: quantity must be in [1,123] and byte_count must equal 2*quantity.
func DecodeWriteMultipleRegistersRequest(p PDU) (start uint16, regs []uint16, err error) {
	if len(p.Data) < 5 {
		return 0, nil, newDecodeError(ErrFrame, "write multiple registers request too short")
	}
	start = binary.BigEndian.Uint16(p.Data[0:2])
	quantity := binary.BigEndian.Uint16(p.Data[2:4])
	count := int(p.Data[4])
	if len(p.Data) != 5+count {
		return start, nil, newDecodeError(ErrFrame, "byte count does not match payload length")
	}
	if quantity < 1 || quantity > MaxWriteRegisters {
		return start, nil, newDecodeError(ErrInvalidParam, "quantity out of range")
	}
	if count != 2*int(quantity) {
		return start, nil, newDecodeError(ErrInvalidParam, "byte count does not match quantity")
	}
	regs = make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(p.Data[5+2*i : 7+2*i])
	}
	return start, regs, nil
}

// EncodeWriteMultipleRegistersResponse echoes start address and quantity.
func EncodeWriteMultipleRegistersResponse(start uint16, quantity int) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], uint16(quantity))
	return PDU{FunctionCode: FunctionWriteMultipleRegisters, Data: data}
}
