// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"unsafe"

	"github.com/ffutop/immergas-modbus/internal/simulator/model"
)

// totalSize is one uint16 per holding register.
const totalSize = (model.MaxAddress + 1) * 2

// mapBytesToModel constructs a register image backed by the provided data slice.
// Warning: This function uses unsafe pointers to cast byte slices to uint16 slices.
// The resulting image relies on the host's endianness, so a storage file
// is not portable across architectures with different endianness.
func mapBytesToModel(data []byte) *model.Registers {
	holding := unsafe.Slice((*uint16)(unsafe.Pointer(&data[0])), totalSize/2)
	return model.FromSlice(holding)
}
