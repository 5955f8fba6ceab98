// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	MinSize = 4
	MaxSize = 256

	ExceptionSize = 5

	// ReadRequestSize is the fixed size of a 0x03 request and of a 0x10
	// response: address, function, two 16-bit fields and the CRC.
	ReadRequestSize   = 8
	WriteResponseSize = 8

	// readResponseOverhead is address, function, byte count and CRC.
	readResponseOverhead = 5
	// writeRequestOverhead is address, function, start, quantity, byte count and CRC.
	writeRequestOverhead = 9
)
