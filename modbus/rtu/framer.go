// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/ffutop/immergas-modbus/modbus"
)

// Assembler collects the bytes of one response frame as they trickle in
// from a half-duplex link. It only works out where the frame ends; checking
// the content is left to ParseReadResponse and ParseWriteResponse.
type Assembler struct {
	function byte
	buf      []byte
	need     int
}

// NewAssembler returns an assembler for the response to a request with the
// given function code.
func NewAssembler(function byte) *Assembler {
	return &Assembler{function: function, buf: make([]byte, 0, MaxSize)}
}

// Reset discards any partial frame.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.need = 0
}

// Feed appends bytes from p until the frame is complete and returns how
// many bytes of p were consumed. Bytes past the end of the frame are left
// to the caller.
func (a *Assembler) Feed(p []byte) int {
	n := 0
	for n < len(p) && !a.Complete() {
		a.buf = append(a.buf, p[n])
		n++
		if a.need == 0 {
			a.need = a.expectedLength()
		}
	}
	return n
}

// Complete reports whether a whole frame has been collected.
func (a *Assembler) Complete() bool {
	return a.need > 0 && len(a.buf) >= a.need
}

// Len is the number of bytes collected so far.
func (a *Assembler) Len() int {
	return len(a.buf)
}

// Frame returns a copy of the collected bytes.
func (a *Assembler) Frame() []byte {
	return append([]byte(nil), a.buf...)
}

// expectedLength returns the total frame length once enough of the header
// is known, and 0 before that.
func (a *Assembler) expectedLength() int {
	if len(a.buf) < 2 {
		return 0
	}
	fc := a.buf[1]
	switch {
	case fc&modbus.ExceptionMask != 0:
		return ExceptionSize
	case fc == modbus.FuncCodeReadHoldingRegisters:
		if len(a.buf) < 3 {
			return 0
		}
		return readResponseOverhead + int(a.buf[2])
	case fc == modbus.FuncCodeWriteMultipleRegisters:
		return WriteResponseSize
	default:
		// Unknown function: take the shortest possible frame and let
		// validation reject it.
		return MinSize
	}
}

// CalculateRequestLength returns the expected total length of a request ADU
// based on its header.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	switch funcCode {
	case modbus.FuncCodeReadHoldingRegisters:
		// Fixed 8 bytes: [SlaveID, Func, Addr(2), Quant(2), CRC(2)]
		return ReadRequestSize, nil
	case modbus.FuncCodeWriteMultipleRegisters:
		// Req: [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("need 7 bytes to determine length for 0x%02X, got %d", funcCode, len(header))
		}
		return writeRequestOverhead + int(header[6]), nil
	default:
		return 0, fmt.Errorf("unsupported function code: 0x%02X", funcCode)
	}
}
