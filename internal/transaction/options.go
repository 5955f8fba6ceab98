// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transaction

import "time"

const (
	DefaultReadTimeout       = 300 * time.Millisecond
	DefaultWriteTimeout      = 500 * time.Millisecond
	DefaultAttempts          = 3
	DefaultPreTransmitGuard  = 2 * time.Millisecond
	DefaultPostTransmitGuard = 1 * time.Millisecond
	DefaultBaudRate          = 9600
	// DefaultCharBits is one start bit, eight data bits, parity and one
	// stop bit, the RTU character format.
	DefaultCharBits = 11
)

// Options tunes the bus timing. Zero fields take the defaults above.
type Options struct {
	SlaveID byte
	// ReadTimeout and WriteTimeout bound the wait for a response, counted
	// from the moment the request is handed to the stream.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Attempts is the total number of tries, the first one included.
	Attempts int
	// PreTransmitGuard is held between asserting transmit-enable and the
	// first byte. PostTransmitGuard is held after the last byte has left
	// the UART before transmit-enable is released.
	PreTransmitGuard  time.Duration
	PostTransmitGuard time.Duration
	// BaudRate and CharBits, the bits on the wire per character start and
	// stop bits included, work out when the last byte has left the UART.
	BaudRate int
	CharBits int
}

func (o Options) withDefaults() Options {
	if o.SlaveID == 0 {
		o.SlaveID = 1
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.PreTransmitGuard < 0 {
		o.PreTransmitGuard = 0
	}
	if o.PostTransmitGuard < 0 {
		o.PostTransmitGuard = 0
	}
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.CharBits <= 0 {
		o.CharBits = DefaultCharBits
	}
	return o
}

// wireTime is how long chars bytes of charBits bits each take to leave
// the UART at baudRate.
func wireTime(baudRate, charBits, chars int) time.Duration {
	bits := time.Duration(chars * charBits)
	return (bits*time.Second + time.Duration(baudRate) - 1) / time.Duration(baudRate)
}
