// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package pdu

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

var (
	// ErrReadOnly is returned when encoding a value for a read-only register.
	ErrReadOnly = errors.New("pdu: register is read-only")
	// ErrTypeMismatch is returned when a value of one data type is encoded
	// for a register of another.
	ErrTypeMismatch = errors.New("pdu: value type does not match register")
)

// RangeError reports a value that does not fit the register encoding after
// inverse scaling. It is raised before anything reaches the bus.
type RangeError struct {
	PDU   uint16
	Type  DataType
	Value float64
	Min   float64
	Max   float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("pdu %d: value %v does not fit %v range [%v, %v]", e.PDU, e.Value, e.Type, e.Min, e.Max)
}

// Flags holds the eight bits of a Flag8 register, bit 0 = flag 0.
type Flags uint8

// Bit reports flag i.
func (f Flags) Bit(i int) bool {
	return i >= 0 && i < 8 && f&(1<<uint(i)) != 0
}

// With returns f with flag i set to on.
func (f Flags) With(i int, on bool) Flags {
	if i < 0 || i >= 8 {
		return f
	}
	if on {
		return f | 1<<uint(i)
	}
	return f &^ (1 << uint(i))
}

// Value is a decoded register value. Flag8 registers use Flags, every other
// type uses Number with the decimal scale already applied.
type Value struct {
	Type   DataType
	Number float64
	Flags  Flags
}

// Number returns a numeric value of type t.
func Number(t DataType, v float64) Value {
	return Value{Type: t, Number: v}
}

// FlagSet returns a Flag8 value.
func FlagSet(f Flags) Value {
	return Value{Type: Flag8, Flags: f}
}

func (v Value) String() string {
	if v.Type == Flag8 {
		return fmt.Sprintf("%08b", uint8(v.Flags))
	}
	return strconv.FormatFloat(v.Number, 'f', -1, 64)
}

// ParseValue reads a value for d from text: a number in physical units, or
// for Flag8 a bit pattern such as 0b101, 0x05 or 5.
func ParseValue(d *Descriptor, s string) (Value, error) {
	if d.Type == Flag8 {
		f, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return Value{}, fmt.Errorf("%v: flags %q: %w", d, s, err)
		}
		return FlagSet(Flags(f)), nil
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("%v: value %q: %w", d, s, err)
	}
	return Number(d.Type, x), nil
}

// Reading is a decoded value of one PDU at one point in time.
type Reading struct {
	PDU   uint16
	Name  string
	Value Value
	At    time.Time
}

var pow10 = [...]float64{1, 1e1, 1e2, 1e3, 1e4, 1e5, 1e6, 1e7, 1e8, 1e9}

func scaleOf(d *Descriptor) float64 {
	if d.Decimals <= 0 || d.Decimals >= len(pow10) {
		return 1
	}
	return pow10[d.Decimals]
}

// Decode converts the register words of d into a value. words must hold
// exactly d.Count registers in bus order.
func Decode(d *Descriptor, words []uint16) (Value, error) {
	if len(words) != d.Type.Words() {
		return Value{}, fmt.Errorf("%v: %v needs %d registers, got %d", d, d.Type, d.Type.Words(), len(words))
	}
	scale := scaleOf(d)

	var raw float64
	switch d.Type {
	case U16:
		raw = float64(words[0])
	case S16, Temp:
		raw = float64(int16(words[0]))
	case U32:
		raw = float64(join(words))
	case S32:
		raw = float64(int32(join(words)))
	case Float32:
		raw = float64(math.Float32frombits(join(words)))
	case U8:
		raw = float64(pickByte(d, words[0]))
	case Flag8:
		return FlagSet(Flags(pickByte(d, words[0]))), nil
	default:
		return Value{}, fmt.Errorf("%v: unknown data type %v", d, d.Type)
	}
	return Number(d.Type, raw/scale), nil
}

// Encode converts v into register words for d. Only read-write descriptors
// can be encoded, and v must carry the data type of d.
func Encode(d *Descriptor, v Value) ([]uint16, error) {
	if !d.Writable() {
		return nil, fmt.Errorf("%v: %w", d, ErrReadOnly)
	}
	if v.Type != d.Type {
		return nil, fmt.Errorf("%v: %v value: %w", d, v.Type, ErrTypeMismatch)
	}

	if d.Type == Flag8 {
		return []uint16{placeByte(d, uint8(v.Flags))}, nil
	}

	scale := scaleOf(d)
	rangeErr := func(lo, hi float64) error {
		return &RangeError{PDU: d.ID, Type: d.Type, Value: v.Number, Min: lo / scale, Max: hi / scale}
	}

	if d.Type == Float32 {
		x := v.Number * scale
		if math.IsNaN(x) || math.Abs(x) > math.MaxFloat32 {
			return nil, rangeErr(-math.MaxFloat32, math.MaxFloat32)
		}
		return split(math.Float32bits(float32(x))), nil
	}

	lo, hi := integerRange(d.Type)
	x := math.Round(v.Number * scale)
	if math.IsNaN(x) || x < lo || x > hi {
		return nil, rangeErr(lo, hi)
	}

	switch d.Type {
	case U16:
		return []uint16{uint16(x)}, nil
	case S16, Temp:
		return []uint16{uint16(int16(x))}, nil
	case U32:
		return split(uint32(x)), nil
	case S32:
		return split(uint32(int32(x))), nil
	case U8:
		return []uint16{placeByte(d, uint8(x))}, nil
	}
	return nil, fmt.Errorf("%v: unknown data type %v", d, d.Type)
}

func integerRange(t DataType) (lo, hi float64) {
	switch t {
	case U16:
		return 0, math.MaxUint16
	case S16, Temp:
		return math.MinInt16, math.MaxInt16
	case U32:
		return 0, math.MaxUint32
	case S32:
		return math.MinInt32, math.MaxInt32
	case U8:
		return 0, math.MaxUint8
	}
	return 0, 0
}

// join combines two registers, high word first.
func join(words []uint16) uint32 {
	return uint32(words[0])<<16 | uint32(words[1])
}

func split(v uint32) []uint16 {
	return []uint16{uint16(v >> 16), uint16(v)}
}

func pickByte(d *Descriptor, w uint16) uint8 {
	if d.HighByte {
		return uint8(w >> 8)
	}
	return uint8(w)
}

func placeByte(d *Descriptor, b uint8) uint16 {
	if d.HighByte {
		return uint16(b) << 8
	}
	return uint16(b)
}
