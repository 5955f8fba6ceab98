// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc implements the Modbus RTU CRC-16 (reflected polynomial
// 0xA001, initial value 0xFFFF).
package crc

const (
	initial    = 0xFFFF
	polynomial = 0xA001
)

// CRC is a running Modbus CRC-16. The zero value must be Reset before use.
type CRC struct {
	value uint16
}

// Reset sets the accumulator back to the initial value.
func (crc *CRC) Reset() *CRC {
	crc.value = initial
	return crc
}

// PushBytes folds data into the accumulator.
func (crc *CRC) PushBytes(data []byte) *CRC {
	v := crc.value
	for _, b := range data {
		v ^= uint16(b)
		for i := 0; i < 8; i++ {
			if v&1 != 0 {
				v = v>>1 ^ polynomial
			} else {
				v >>= 1
			}
		}
	}
	crc.value = v
	return crc
}

// Value returns the checksum. On the wire the low byte goes first.
func (crc *CRC) Value() uint16 {
	return crc.value
}

// Checksum returns the CRC-16 of data. It never fails; the checksum of an
// empty slice is 0xFFFF.
func Checksum(data []byte) uint16 {
	var c CRC
	return c.Reset().PushBytes(data).Value()
}

// Append appends the checksum of frame to frame, low byte first.
func Append(frame []byte) []byte {
	sum := Checksum(frame)
	return append(frame, byte(sum), byte(sum>>8))
}

// Valid reports whether the last two bytes of frame hold the checksum of
// everything before them.
func Valid(frame []byte) bool {
	n := len(frame)
	if n < 2 {
		return false
	}
	received := uint16(frame[n-1])<<8 | uint16(frame[n-2])
	return received == Checksum(frame[:n-2])
}
