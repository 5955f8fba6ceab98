// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu connects the master engine to the appliance through a local
// serial port, and serves the appliance simulator on one.
package rtu

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/immergas-modbus/internal/config"
	"github.com/ffutop/immergas-modbus/transport"
)

const (
	// Default timeout
	serialTimeout     = 500 * time.Millisecond
	serialIdleTimeout = 60 * time.Second
)

// opener opens the underlying port. Tests replace it.
type opener func(*serial.Config) (io.ReadWriteCloser, error)

func openSerial(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.Open(c)
}

// Port is a transport.Link on a serial device. The device is opened on the
// first write, reopened after a failure and closed after IdleTimeout
// without traffic.
type Port struct {
	// Serial port configuration.
	serial.Config

	IdleTimeout time.Duration

	open opener

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port         io.ReadWriteCloser
	pump         *transport.Pump
	lastActivity time.Time
	closeTimer   *time.Timer
}

var _ transport.Link = (*Port)(nil)

// SerialConfig maps the configuration onto the serial driver settings,
// including the kernel RS-485 mode when it is enabled.
func SerialConfig(cfg config.SerialConfig) serial.Config {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = serialTimeout
	}
	return serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  timeout,
		RS485: serial.RS485Config{
			Enabled:            cfg.RS485,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		},
	}
}

// NewPort returns a closed port for cfg.
func NewPort(cfg config.SerialConfig) *Port {
	return &Port{
		Config:      SerialConfig(cfg),
		IdleTimeout: serialIdleTimeout,
		open:        openSerial,
	}
}

// Write sends a frame, opening the device if needed. A failed write closes
// the device so the next attempt starts from a fresh open.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(); err != nil {
		return 0, err
	}
	p.lastActivity = time.Now()
	p.startCloseTimer()

	slog.Debug("serial write", "device", p.Address, "frame", hex.EncodeToString(b))
	n, err := p.port.Write(b)
	if err != nil {
		p.close()
		return n, fmt.Errorf("write to %s: %w", p.Address, err)
	}
	return n, nil
}

// ReadAvailable returns the bytes received since the last call.
func (p *Port) ReadAvailable() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pump == nil {
		return nil
	}
	data := p.pump.Drain()
	if err := p.pump.Err(); err != nil {
		slog.Warn("serial read failed, closing port", "device", p.Address, "err", err)
		p.close()
	}
	if len(data) > 0 {
		p.lastActivity = time.Now()
		slog.Debug("serial read", "device", p.Address, "data", hex.EncodeToString(data))
	}
	return data
}

// Close closes the device. The next Write opens it again.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closeTimer != nil {
		p.closeTimer.Stop()
	}
	return p.close()
}

// connect opens the serial port if it is not open. Caller must hold the mutex.
func (p *Port) connect() error {
	if p.port != nil {
		return nil
	}
	open := p.open
	if open == nil {
		open = openSerial
	}
	port, err := open(&p.Config)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", p.Address, err)
	}
	p.port = port
	p.pump = transport.StartPump(port, isTimeout)
	slog.Info("serial port opened", "device", p.Address, "baud", p.BaudRate, "rs485", p.RS485.Enabled)
	return nil
}

// close closes the serial port if it is open. Caller must hold the mutex.
func (p *Port) close() (err error) {
	if p.port != nil {
		err = p.port.Close()
		p.port = nil
		p.pump = nil
	}
	return
}

func isTimeout(err error) bool {
	return errors.Is(err, serial.ErrTimeout)
}

func (p *Port) startCloseTimer() {
	if p.IdleTimeout <= 0 {
		return
	}
	if p.closeTimer == nil {
		p.closeTimer = time.AfterFunc(p.IdleTimeout, p.closeIdle)
	} else {
		p.closeTimer.Reset(p.IdleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (p *Port) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IdleTimeout <= 0 {
		return
	}

	if idle := time.Since(p.lastActivity); idle >= p.IdleTimeout {
		slog.Debug("closing serial port due to idle timeout", "device", p.Address, "idle", idle)
		p.close()
	}
}
