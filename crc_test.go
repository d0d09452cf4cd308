package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC16_TestVector(t *testing.T) {
	assert.Equal(t, uint16(0x4B37), CRC16([]byte("123456789")))
}

func TestCRC16_EmptyInput(t *testing.T) {
	assert.Equal(t, uint16(0xFFFF), CRC16(nil))
}

func TestCRC16Verify(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	crc := CRC16(frame)
	full := append(append([]byte{}, frame...), byte(crc), byte(crc>>8))

	assert.True(t, CRC16Verify(full))
	assert.False(t, CRC16Verify([]byte{0x01, 0x02, 0x03}))

	full[0] ^= 0xFF
	assert.False(t, CRC16Verify(full))
}

func TestCRC16Append(t *testing.T) {
	buf := make([]byte, 6+2)
	copy(buf, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	CRC16Append(buf, 6)
	assert.True(t, CRC16Verify(buf))
}
