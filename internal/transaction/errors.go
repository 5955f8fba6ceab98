// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transaction

import (
	"errors"
	"fmt"

	"github.com/ffutop/immergas-modbus/modbus/rtu"
)

var (
	// ErrTimeout is the cause of a Timeout failure: no complete frame
	// arrived before the deadline.
	ErrTimeout = errors.New("no response before deadline")
	// ErrBusy is returned by Bus.Begin while another transaction is active.
	ErrBusy = errors.New("transaction: bus busy")
	// ErrAborted is the cause of a transaction stopped by Abort.
	ErrAborted = errors.New("transaction aborted")
)

// Kind classifies a failed transaction.
type Kind int

const (
	Timeout Kind = iota + 1
	Frame
	DeviceException
	IO
	// Invalid means the request itself could not be encoded.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Frame:
		return "frame"
	case DeviceException:
		return "device exception"
	case IO:
		return "io"
	case Invalid:
		return "invalid request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether another attempt may cure the failure.
func (k Kind) Retryable() bool {
	return k == Timeout || k == Frame || k == IO
}

// Error is the final outcome of a transaction that did not succeed. It names
// the register span and the PDUs it was serving.
type Error struct {
	Kind     Kind
	Op       Op
	Attempts int
	Start    uint16
	Count    uint16
	PDUs     []uint16
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v %d+%d failed after %d attempt(s): %v: %v",
		e.Op, e.Start, e.Count, e.Attempts, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps the error of one attempt to a Kind.
func classify(err error) Kind {
	var dex *rtu.DeviceExceptionError
	switch {
	case errors.Is(err, ErrTimeout):
		return Timeout
	case errors.As(err, &dex):
		return DeviceException
	case rtu.IsFrameError(err):
		return Frame
	case errors.Is(err, rtu.ErrQuantity):
		return Invalid
	default:
		return IO
	}
}
