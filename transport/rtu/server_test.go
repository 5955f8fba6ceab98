// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ffutop/immergas-modbus/modbus"
	"github.com/ffutop/immergas-modbus/modbus/crc"
	rtupacket "github.com/ffutop/immergas-modbus/modbus/rtu"
)

type mockPort struct {
	io.Reader
	io.Writer
}

func (m *mockPort) Close() error { return nil }

func TestScanLoop(t *testing.T) {
	read, _ := rtupacket.BuildReadRequest(0x01, 2100, 2)
	write, _ := rtupacket.BuildWriteRequest(0x01, 3000, []uint16{485})
	corrupt := append([]byte(nil), read...)
	corrupt[len(corrupt)-1] ^= 0xFF
	unsupported := crc.Append([]byte{0x01, 0x2B, 0x0E, 0x01, 0x00})

	var input []byte
	for _, f := range [][]byte{corrupt, read, unsupported, write} {
		input = append(input, f...)
	}
	out := &bytes.Buffer{}
	port := &mockPort{Reader: bytes.NewReader(input), Writer: out}

	var got []modbus.ProtocolDataUnit
	handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (*modbus.ProtocolDataUnit, error) {
		if slaveID != 0x01 {
			t.Errorf("handler got slave %d", slaveID)
		}
		got = append(got, pdu)
		if pdu.FunctionCode == modbus.FuncCodeWriteMultipleRegisters {
			return nil, nil
		}
		return &modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x04, 0x02, 0x26, 0x01, 0xF4}}, nil
	}

	s := &Server{}
	if err := s.scanLoop(context.Background(), port, handler); !errors.Is(err, io.EOF) {
		t.Fatalf("scanLoop() = %v, want EOF once the input is exhausted", err)
	}

	if len(got) != 2 {
		t.Fatalf("handler called %d times, want 2: %+v", len(got), got)
	}
	if got[0].FunctionCode != 0x03 || !bytes.Equal(got[0].Data, []byte{0x08, 0x34, 0x00, 0x02}) {
		t.Errorf("first request = %+v", got[0])
	}
	if got[1].FunctionCode != 0x10 {
		t.Errorf("second request = %+v", got[1])
	}

	want := crc.Append([]byte{0x01, 0x03, 0x04, 0x02, 0x26, 0x01, 0xF4})
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("responses = % x, want % x", out.Bytes(), want)
	}
}

func TestScanLoopCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Server{}
	port := &mockPort{Reader: bytes.NewReader(nil), Writer: io.Discard}
	if err := s.scanLoop(ctx, port, nil); err != nil {
		t.Fatalf("scanLoop() = %v", err)
	}
}
