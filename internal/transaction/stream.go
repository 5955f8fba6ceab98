// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transaction runs one Modbus RTU request/response exchange at a
// time over a half-duplex byte stream. A Transaction never blocks: the
// caller advances it with Step and it reports when it is done.
package transaction

import "time"

// Stream is the byte link to the appliance.
type Stream interface {
	Write(p []byte) (int, error)
	// ReadAvailable returns whatever bytes have arrived since the last call,
	// possibly none. It must not block.
	ReadAvailable() []byte
}

// Clock provides monotonic time for deadlines and guard intervals.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock, which carries a monotonic reading.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// DirectionControl drives the transmit-enable line of an RS-485 transceiver.
type DirectionControl interface {
	SetTransmitEnable(on bool) error
}
