// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport holds the byte links between the master engine and the
// appliance, and the serving side used by the appliance simulator.
package transport

import (
	"context"

	"github.com/ffutop/immergas-modbus/modbus"
)

// Link is a half-duplex byte stream to the appliance. It satisfies
// transaction.Stream: Write sends a whole frame and ReadAvailable returns
// whatever has arrived without blocking.
type Link interface {
	Write(p []byte) (int, error)
	ReadAvailable() []byte
	Close() error
}

// RequestHandler answers one request PDU addressed to slaveID. A nil
// response means the request is ignored and nothing goes back on the wire.
type RequestHandler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (*modbus.ProtocolDataUnit, error)

// Upstream is a source of requests: a master talks to us and we answer as a
// slave.
type Upstream interface {
	// Start serves requests and blocks until ctx is done or the link fails.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}
