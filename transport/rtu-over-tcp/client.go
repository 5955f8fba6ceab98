// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtuovertcp carries raw RTU frames over a TCP connection, as done
// by serial-to-Ethernet converters.
package rtuovertcp

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/immergas-modbus/transport"
)

const (
	tcpTimeout = 10 * time.Second
)

// Conn is a transport.Link over TCP. The connection is dialed on the first
// write and dialed again after any failure.
type Conn struct {
	Address     string
	DialTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	pump *transport.Pump
}

var _ transport.Link = (*Conn)(nil)

// NewConn returns an unconnected link to address.
func NewConn(address string, dialTimeout time.Duration) *Conn {
	if dialTimeout <= 0 {
		dialTimeout = tcpTimeout
	}
	return &Conn{
		Address:     address,
		DialTimeout: dialTimeout,
	}
}

// Write sends a frame. A failed write drops the connection.
func (mb *Conn) Write(b []byte) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(); err != nil {
		return 0, fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	if err := mb.conn.SetWriteDeadline(time.Now().Add(mb.DialTimeout)); err != nil {
		mb.close()
		return 0, err
	}
	slog.Debug("tcp write", "addr", mb.Address, "frame", hex.EncodeToString(b))
	n, err := mb.conn.Write(b)
	if err != nil {
		mb.close()
		return n, fmt.Errorf("failed to write to connection: %w", err)
	}
	return n, nil
}

// ReadAvailable returns the bytes received since the last call.
func (mb *Conn) ReadAvailable() []byte {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.pump == nil {
		return nil
	}
	data := mb.pump.Drain()
	if err := mb.pump.Err(); err != nil {
		slog.Warn("connection lost", "addr", mb.Address, "err", err)
		mb.close()
	}
	return data
}

// Close drops the connection. The next Write dials again.
func (mb *Conn) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.close()
	return nil
}

// connect ensures there is an active connection. Caller must hold the mutex.
func (mb *Conn) connect() error {
	if mb.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", mb.Address, mb.DialTimeout)
	if err != nil {
		return err
	}
	mb.conn = conn
	mb.pump = transport.StartPump(conn, nil)
	slog.Info("connected", "addr", mb.Address)
	return nil
}

// close closes the connection and resets the state. Caller must hold the mutex.
func (mb *Conn) close() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
		mb.pump = nil
	}
}
