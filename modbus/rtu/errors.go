// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/immergas-modbus/modbus"
)

// ErrQuantity is returned when a request asks for a register count outside
// the range allowed by its function code.
var ErrQuantity = errors.New("modbus: register quantity out of range")

// FrameErrorKind classifies structural corruption of a response frame.
type FrameErrorKind int

const (
	AddressMismatch FrameErrorKind = iota + 1
	FunctionMismatch
	LengthMismatch
	CrcMismatch
	EchoMismatch
)

func (k FrameErrorKind) String() string {
	switch k {
	case AddressMismatch:
		return "address mismatch"
	case FunctionMismatch:
		return "function mismatch"
	case LengthMismatch:
		return "length mismatch"
	case CrcMismatch:
		return "crc mismatch"
	case EchoMismatch:
		return "echo mismatch"
	default:
		return fmt.Sprintf("frame error %d", int(k))
	}
}

// FrameError reports a response that was rejected as a whole.
type FrameError struct {
	Kind   FrameErrorKind
	Detail string
}

func (e *FrameError) Error() string {
	if e.Detail == "" {
		return "modbus: " + e.Kind.String()
	}
	return "modbus: " + e.Kind.String() + ": " + e.Detail
}

func frameErrorf(kind FrameErrorKind, format string, args ...any) *FrameError {
	return &FrameError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// DeviceExceptionError is an exception response: the device understood the
// request and refused it.
type DeviceExceptionError struct {
	Function byte
	Code     byte
}

func (e *DeviceExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02x (%s) for function 0x%02x",
		e.Code, modbus.ExceptionText(e.Code), e.Function)
}

// IsFrameError reports whether err is a FrameError, optionally of one of kinds.
func IsFrameError(err error, kinds ...FrameErrorKind) bool {
	var fe *FrameError
	if !errors.As(err, &fe) {
		return false
	}
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if fe.Kind == k {
			return true
		}
	}
	return false
}
