// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	MaxAddress = 65535
)

// Registers holds the holding-register image of the simulated appliance.
// It uses a simple flat memory model covering the full 16-bit address space.
type Registers struct {
	mu sync.RWMutex

	// Holding is indexed by register address.
	Holding []uint16
}

// NewRegisters creates a new image initialized to zero.
func NewRegisters() *Registers {
	return &Registers{
		Holding: make([]uint16, MaxAddress+1),
	}
}

// FromSlice wraps an existing slice, which must cover the address space.
func FromSlice(holding []uint16) *Registers {
	return &Registers{Holding: holding}
}

// Read returns quantity registers from address as big-endian bytes.
func (m *Registers) Read(address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}

	result := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:], m.Holding[int(address)+i])
	}
	return result, nil
}

// Write stores quantity registers from big-endian data at address.
func (m *Registers) Write(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) != int(quantity)*2 {
		return fmt.Errorf("data length %d mismatch for quantity %d", len(data), quantity)
	}

	for i := 0; i < int(quantity); i++ {
		m.Holding[int(address)+i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return nil
}

// Get returns the register at address.
func (m *Registers) Get(address uint16) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Holding[address]
}

// Set stores words starting at address.
func (m *Registers) Set(address uint16, words ...uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, uint16(len(words))); err != nil {
		return err
	}
	copy(m.Holding[address:], words)
	return nil
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if int(address)+int(quantity) > MaxAddress+1 {
		return fmt.Errorf("address range [%d, %d) out of bounds", address, int(address)+int(quantity))
	}
	return nil
}
