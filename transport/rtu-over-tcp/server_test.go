// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtuovertcp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ffutop/immergas-modbus/modbus"
	rtupacket "github.com/ffutop/immergas-modbus/modbus/rtu"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close() // Free port
	return addr
}

// startServer runs a server whose handler answers reads with the register
// address echoed back and fails writes.
func startServer(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)
	s := NewServer(addr)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.Close()
	})

	handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (*modbus.ProtocolDataUnit, error) {
		switch {
		case slaveID != 1:
			return nil, nil
		case pdu.FunctionCode == modbus.FuncCodeReadHoldingRegisters:
			return &modbus.ProtocolDataUnit{
				FunctionCode: pdu.FunctionCode,
				Data:         []byte{0x02, pdu.Data[0], pdu.Data[1]},
			}, nil
		default:
			return nil, errors.New("write refused")
		}
	}
	go s.Start(ctx, handler)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("tcp", addr); err == nil {
			c.Close()
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server did not start on %s", addr)
	return ""
}

// exchange writes req on c and collects the response.
func exchange(t *testing.T, c *Conn, req []byte) []byte {
	t.Helper()
	if _, err := c.Write(req); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	a := rtupacket.NewAssembler(req[1])
	deadline := time.Now().Add(time.Second)
	for !a.Complete() && time.Now().Before(deadline) {
		a.Feed(c.ReadAvailable())
		time.Sleep(time.Millisecond)
	}
	if !a.Complete() {
		t.Fatalf("no complete response, got %d bytes", a.Len())
	}
	return a.Frame()
}

func TestConnReadThroughServer(t *testing.T) {
	addr := startServer(t)
	c := NewConn(addr, time.Second)
	defer c.Close()

	req, _ := rtupacket.BuildReadRequest(1, 2100, 1)
	words, err := rtupacket.ParseReadResponse(exchange(t, c, req), 1, 1)
	if err != nil {
		t.Fatalf("ParseReadResponse() error = %v", err)
	}
	if words[0] != 2100 {
		t.Errorf("register = %d, want 2100", words[0])
	}
}

func TestConnHandlerErrorBecomesException(t *testing.T) {
	addr := startServer(t)
	c := NewConn(addr, time.Second)
	defer c.Close()

	req, _ := rtupacket.BuildWriteRequest(1, 3000, []uint16{485})
	err := rtupacket.ParseWriteResponse(exchange(t, c, req), 1, 3000, 1)
	var exc *rtupacket.DeviceExceptionError
	if !errors.As(err, &exc) || exc.Code != modbus.ExceptionCodeServerDeviceFailure {
		t.Fatalf("ParseWriteResponse() error = %v, want device failure exception", err)
	}
}

func TestConnRedial(t *testing.T) {
	addr := startServer(t)
	c := NewConn(addr, time.Second)
	defer c.Close()

	req, _ := rtupacket.BuildReadRequest(1, 2000, 1)
	exchange(t, c, req)

	// Kill the connection under the link; the next write dials again.
	c.mu.Lock()
	c.conn.Close()
	c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.ReadAvailable()
		c.mu.Lock()
		gone := c.conn == nil
		c.mu.Unlock()
		if gone {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := rtupacket.ParseReadResponse(exchange(t, c, req), 1, 1); err != nil {
		t.Fatalf("after redial: %v", err)
	}
}

func TestConnDialFailure(t *testing.T) {
	c := NewConn(freeAddr(t), 200*time.Millisecond)
	if _, err := c.Write([]byte{0x01}); err == nil {
		t.Fatal("Write() to a closed port succeeded")
	}
	if got := c.ReadAvailable(); got != nil {
		t.Errorf("ReadAvailable() = % x", got)
	}
}
