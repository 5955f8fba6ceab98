// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"sync"

	"github.com/ffutop/immergas-modbus/modbus/crc"
	"github.com/ffutop/immergas-modbus/modbus/rtu"
)

// Loopback connects a master to a Device in-process. It satisfies
// transaction.Stream and can be told to misbehave the way a noisy bus does.
type Loopback struct {
	dev *Device

	mu      sync.Mutex
	rx      []byte
	drop    int
	corrupt int
	frames  int
}

// NewLoopback returns a link to dev.
func NewLoopback(dev *Device) *Loopback {
	return &Loopback{dev: dev}
}

// Write takes one request frame and queues the answer. Frames with a bad
// checksum or another slave address are ignored like on a real bus.
func (l *Loopback) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.frames++
	adu, err := rtu.Decode(p)
	if err != nil || adu.SlaveID != l.dev.SlaveID() {
		return len(p), nil
	}
	resp := l.dev.Process(adu.Pdu)

	if l.drop > 0 {
		l.drop--
		return len(p), nil
	}
	out := make([]byte, 0, len(resp.Data)+4)
	out = append(out, adu.SlaveID, resp.FunctionCode)
	out = append(out, resp.Data...)
	out = crc.Append(out)
	if l.corrupt > 0 {
		l.corrupt--
		out[len(out)-1] ^= 0xFF
	}
	l.rx = append(l.rx, out...)
	return len(p), nil
}

// ReadAvailable returns the queued bytes.
func (l *Loopback) ReadAvailable() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.rx
	l.rx = nil
	return out
}

// DropNext suppresses the next n responses.
func (l *Loopback) DropNext(n int) {
	l.mu.Lock()
	l.drop += n
	l.mu.Unlock()
}

// CorruptNext breaks the checksum of the next n responses.
func (l *Loopback) CorruptNext(n int) {
	l.mu.Lock()
	l.corrupt += n
	l.mu.Unlock()
}

// InjectStray queues bytes that no request asked for.
func (l *Loopback) InjectStray(b []byte) {
	l.mu.Lock()
	l.rx = append(l.rx, b...)
	l.mu.Unlock()
}

// Frames returns the number of frames written so far.
func (l *Loopback) Frames() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames
}
