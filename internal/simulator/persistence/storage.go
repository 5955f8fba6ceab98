// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence keeps the simulator's register image across restarts.
package persistence

import (
	"fmt"

	"github.com/ffutop/immergas-modbus/internal/config"
	"github.com/ffutop/immergas-modbus/internal/simulator/model"
)

// Storage defines the interface for persisting the register image.
type Storage interface {
	// Load returns the stored image, or a zeroed one when nothing is stored.
	Load() (*model.Registers, error)

	// Save saves the current image to storage.
	Save(m *model.Registers) error

	// OnWrite is a hook called whenever registers are modified by a master.
	OnWrite(address, quantity uint16)

	Close() error
}

// New returns the storage selected by cfg.
func New(cfg config.PersistenceConfig) (Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "file":
		return NewFileStorage(cfg.Path), nil
	case "mmap":
		return NewMmapStorage(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown persistence type %q", cfg.Type)
	}
}
