// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/immergas-modbus/internal/config"
)

// pipePort hands out one end of a fresh net.Pipe per open and keeps the
// other end for the test.
type pipePort struct {
	opened  chan net.Conn
	configs []serial.Config
}

func newPipePort() *pipePort {
	return &pipePort{opened: make(chan net.Conn, 4)}
}

func (pp *pipePort) open(c *serial.Config) (io.ReadWriteCloser, error) {
	pp.configs = append(pp.configs, *c)
	local, remote := net.Pipe()
	pp.opened <- remote
	return local, nil
}

func readAll(t *testing.T, p *Port, want int) []byte {
	t.Helper()
	var got []byte
	deadline := time.Now().Add(time.Second)
	for len(got) < want && time.Now().Before(deadline) {
		got = append(got, p.ReadAvailable()...)
		time.Sleep(time.Millisecond)
	}
	return got
}

func TestPortExchange(t *testing.T) {
	pp := newPipePort()
	p := NewPort(config.SerialConfig{Device: "/dev/ttyTEST", BaudRate: 9600, Parity: "E"})
	p.IdleTimeout = 0
	p.open = pp.open
	defer p.Close()

	if got := p.ReadAvailable(); got != nil {
		t.Fatalf("ReadAvailable() before open = % x", got)
	}

	req := []byte{0x01, 0x03, 0x08, 0x34, 0x00, 0x01, 0xC7, 0xA4}
	resp := []byte{0x01, 0x03, 0x02, 0x02, 0x26}
	done := make(chan []byte)
	go func() {
		remote := <-pp.opened
		buf := make([]byte, len(req))
		io.ReadFull(remote, buf)
		// Trickle the answer in two pieces.
		remote.Write(resp[:2])
		remote.Write(resp[2:])
		done <- buf
	}()

	if _, err := p.Write(req); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := <-done; !bytes.Equal(got, req) {
		t.Errorf("device received % x", got)
	}
	if got := readAll(t, p, len(resp)); !bytes.Equal(got, resp) {
		t.Errorf("ReadAvailable() = % x, want % x", got, resp)
	}
	if len(pp.configs) != 1 || pp.configs[0].Parity != "E" || pp.configs[0].Timeout != serialTimeout {
		t.Errorf("open configs = %+v", pp.configs)
	}
}

func TestPortReopen(t *testing.T) {
	pp := newPipePort()
	p := NewPort(config.SerialConfig{Device: "/dev/ttyTEST"})
	p.IdleTimeout = 0
	p.open = pp.open
	defer p.Close()

	go func() {
		remote := <-pp.opened
		io.ReadFull(remote, make([]byte, 1))
		remote.Close()
	}()
	if _, err := p.Write([]byte{0x01}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// The read side sees the hangup and drops the port.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p.ReadAvailable()
		p.mu.Lock()
		closed := p.port == nil
		p.mu.Unlock()
		if closed {
			break
		}
		time.Sleep(time.Millisecond)
	}

	go func() {
		remote := <-pp.opened
		io.ReadFull(remote, make([]byte, 1))
	}()
	if _, err := p.Write([]byte{0x02}); err != nil {
		t.Fatalf("Write() after hangup error = %v", err)
	}
	if len(pp.configs) != 2 {
		t.Errorf("port opened %d times, want 2", len(pp.configs))
	}
}

func TestSerialConfig(t *testing.T) {
	c := SerialConfig(config.SerialConfig{
		Device:             "/dev/ttyAMA0",
		BaudRate:           19200,
		DataBits:           8,
		StopBits:           1,
		Parity:             "N",
		Timeout:            time.Second,
		RS485:              true,
		DelayRtsBeforeSend: time.Millisecond,
		RtsHighDuringSend:  true,
	})
	if c.Address != "/dev/ttyAMA0" || c.BaudRate != 19200 || c.Timeout != time.Second {
		t.Errorf("serial config = %+v", c)
	}
	if !c.RS485.Enabled || c.RS485.DelayRtsBeforeSend != time.Millisecond || !c.RS485.RtsHighDuringSend {
		t.Errorf("rs485 config = %+v", c.RS485)
	}
}
