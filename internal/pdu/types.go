// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package pdu describes the typed registers of the appliance and converts
// between register words and physical values.
package pdu

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DataType is the closed set of register encodings.
type DataType int

const (
	U16 DataType = iota + 1
	S16
	U32
	S32
	Float32
	Temp
	Flag8
	U8
)

var typeNames = map[DataType]string{
	U16:     "u16",
	S16:     "s16",
	U32:     "u32",
	S32:     "s32",
	Float32: "float32",
	Temp:    "temp",
	Flag8:   "flag8",
	U8:      "u8",
}

func (t DataType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseDataType maps a catalog name ("u16", "temp", ...) to a DataType.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// Words is the number of registers a value of this type occupies.
func (t DataType) Words() int {
	switch t {
	case U32, S32, Float32:
		return 2
	default:
		return 1
	}
}

// Access tells whether a register may be written.
type Access int

const (
	ReadOnly Access = iota
	ReadWrite
)

func (a Access) String() string {
	if a == ReadWrite {
		return "rw"
	}
	return "ro"
}

// ParseAccess accepts "ro"/"read_only" and "rw"/"read_write".
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ro", "r", "read_only", "readonly":
		return ReadOnly, nil
	case "rw", "read_write", "readwrite":
		return ReadWrite, nil
	}
	return ReadOnly, fmt.Errorf("unknown access %q", s)
}

// Descriptor is one typed register of the appliance.
type Descriptor struct {
	ID       uint16 // domain identifier
	Name     string
	Unit     string
	Address  uint16
	Count    int // 1 or 2, always Type.Words()
	Type     DataType
	Decimals int // physical = raw / 10^Decimals
	Access   Access
	// HighByte selects the high byte for Flag8 and U8 registers.
	HighByte bool
	// Every polls the PDU on every Nth cycle. Zero disables polling.
	Every int
}

// End is one past the last register of the descriptor.
func (d *Descriptor) End() int {
	return int(d.Address) + d.Count
}

// Writable reports whether the descriptor accepts writes.
func (d *Descriptor) Writable() bool {
	return d.Access == ReadWrite
}

func (d *Descriptor) String() string {
	if d.Name != "" {
		return fmt.Sprintf("pdu %d (%s)", d.ID, d.Name)
	}
	return fmt.Sprintf("pdu %d", d.ID)
}

// ErrUnknownPDU is returned for an ID that is not in the table.
var ErrUnknownPDU = errors.New("pdu: unknown id")

// Table is the immutable set of descriptors, ordered by address. It is
// safe for concurrent use because nothing mutates it after NewTable.
type Table struct {
	byAddress []Descriptor
	byID      map[uint16]int
}

// NewTable validates descs and builds a table. Count is filled in from the
// data type when it is zero.
func NewTable(descs []Descriptor) (*Table, error) {
	t := &Table{
		byAddress: make([]Descriptor, len(descs)),
		byID:      make(map[uint16]int, len(descs)),
	}
	copy(t.byAddress, descs)
	for i := range t.byAddress {
		d := &t.byAddress[i]
		if _, ok := typeNames[d.Type]; !ok {
			return nil, fmt.Errorf("%v: unknown data type %d", d, int(d.Type))
		}
		if d.Count == 0 {
			d.Count = d.Type.Words()
		}
		if d.Count != d.Type.Words() {
			return nil, fmt.Errorf("%v: %v spans %d registers, descriptor says %d", d, d.Type, d.Type.Words(), d.Count)
		}
		if d.End() > 0x10000 {
			return nil, fmt.Errorf("%v: register %d+%d passes the end of the address space", d, d.Address, d.Count)
		}
		if d.Decimals < 0 || d.Decimals > 9 {
			return nil, fmt.Errorf("%v: decimals %d out of range [0,9]", d, d.Decimals)
		}
		if d.Every < 0 {
			return nil, fmt.Errorf("%v: negative poll divisor %d", d, d.Every)
		}
	}
	sort.SliceStable(t.byAddress, func(i, j int) bool {
		return t.byAddress[i].Address < t.byAddress[j].Address
	})
	for i := range t.byAddress {
		id := t.byAddress[i].ID
		if _, dup := t.byID[id]; dup {
			return nil, fmt.Errorf("pdu %d: duplicate id", id)
		}
		t.byID[id] = i
	}
	return t, nil
}

// Lookup returns the descriptor for id.
func (t *Table) Lookup(id uint16) (*Descriptor, error) {
	i, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownPDU, id)
	}
	d := t.byAddress[i]
	return &d, nil
}

// Len is the number of descriptors.
func (t *Table) Len() int {
	return len(t.byAddress)
}

// Descriptors returns a copy of all descriptors in ascending address order.
func (t *Table) Descriptors() []Descriptor {
	return append([]Descriptor(nil), t.byAddress...)
}
