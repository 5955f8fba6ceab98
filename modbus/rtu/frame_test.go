// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ffutop/immergas-modbus/modbus"
	"github.com/ffutop/immergas-modbus/modbus/crc"
)

func TestBuildReadRequest(t *testing.T) {
	frame, err := BuildReadRequest(0x01, 0x0000, 1)
	if err != nil {
		t.Fatalf("BuildReadRequest failed: %v", err)
	}
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	if !bytes.Equal(frame, want) {
		t.Errorf("Request mismatch.\nWant: %X\nGot:  %X", want, frame)
	}
}

func TestBuildReadRequestQuantity(t *testing.T) {
	for _, count := range []uint16{0, 126, 1000} {
		if _, err := BuildReadRequest(0x01, 0, count); !errors.Is(err, ErrQuantity) {
			t.Errorf("count %d: error = %v, want ErrQuantity", count, err)
		}
	}
	if _, err := BuildReadRequest(0x01, 0xFFFF, 2); !errors.Is(err, ErrQuantity) {
		t.Errorf("read past 0xFFFF: error = %v, want ErrQuantity", err)
	}
}

func TestBuildWriteRequest(t *testing.T) {
	frame, err := BuildWriteRequest(0x01, 3000, []uint16{0x01F4, 0x0001})
	if err != nil {
		t.Fatalf("BuildWriteRequest failed: %v", err)
	}
	body := []byte{0x01, 0x10, 0x0B, 0xB8, 0x00, 0x02, 0x04, 0x01, 0xF4, 0x00, 0x01}
	want := crc.Append(append([]byte{}, body...))
	if !bytes.Equal(frame, want) {
		t.Errorf("Request mismatch.\nWant: %X\nGot:  %X", want, frame)
	}

	if _, err := BuildWriteRequest(0x01, 0, nil); !errors.Is(err, ErrQuantity) {
		t.Errorf("empty write: error = %v, want ErrQuantity", err)
	}
	if _, err := BuildWriteRequest(0x01, 0, make([]uint16, 124)); !errors.Is(err, ErrQuantity) {
		t.Errorf("oversized write: error = %v, want ErrQuantity", err)
	}
}

func TestReadRequestRoundTrip(t *testing.T) {
	for _, slave := range []byte{0x01, 0x7F, 0xF7} {
		for _, start := range []uint16{0, 1, 2100, 0xFF00} {
			for _, count := range []uint16{1, 2, 64, 125} {
				frame, err := BuildReadRequest(slave, start, count)
				if err != nil {
					t.Fatalf("BuildReadRequest(%d, %d, %d) failed: %v", slave, start, count, err)
				}
				req, err := ParseReadRequest(frame)
				if err != nil {
					t.Fatalf("ParseReadRequest failed: %v", err)
				}
				if req.SlaveID != slave || req.Start != start || req.Count != count {
					t.Fatalf("round trip = %+v, want slave=%d start=%d count=%d", req, slave, start, count)
				}
			}
		}
	}
}

func TestWriteRequestRoundTrip(t *testing.T) {
	values := []uint16{0x0000, 0xFFFF, 0x1234}
	frame, err := BuildWriteRequest(0x05, 42, values)
	if err != nil {
		t.Fatalf("BuildWriteRequest failed: %v", err)
	}
	req, err := ParseWriteRequest(frame)
	if err != nil {
		t.Fatalf("ParseWriteRequest failed: %v", err)
	}
	if req.SlaveID != 0x05 || req.Start != 42 || len(req.Values) != len(values) {
		t.Fatalf("round trip = %+v", req)
	}
	for i := range values {
		if req.Values[i] != values[i] {
			t.Errorf("value %d = %#04x, want %#04x", i, req.Values[i], values[i])
		}
	}
}

func TestParseReadResponse(t *testing.T) {
	good := crc.Append([]byte{0x01, 0x03, 0x04, 0x00, 0x00, 0x02, 0x26})

	badCRC := append([]byte{}, good...)
	badCRC[len(badCRC)-2] ^= 0x01

	tests := []struct {
		name     string
		frame    []byte
		slave    byte
		count    uint16
		wantKind FrameErrorKind
	}{
		{"CrcMismatch", badCRC, 0x01, 2, CrcMismatch},
		{"AddressMismatch", good, 0x02, 2, AddressMismatch},
		{"ByteCountMismatch", good, 0x01, 1, LengthMismatch},
		{"FunctionMismatch", crc.Append([]byte{0x01, 0x10, 0x00, 0x00, 0x00, 0x02}), 0x01, 2, FunctionMismatch},
		{"PayloadShort", crc.Append([]byte{0x01, 0x03, 0x04, 0x00, 0x00}), 0x01, 2, LengthMismatch},
		{"PayloadLong", crc.Append([]byte{0x01, 0x03, 0x02, 0x00, 0x00, 0x02, 0x26}), 0x01, 1, LengthMismatch},
		{"TooShort", []byte{0x01, 0x03, 0x00}, 0x01, 1, LengthMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			words, err := ParseReadResponse(tt.frame, tt.slave, tt.count)
			if !IsFrameError(err, tt.wantKind) {
				t.Fatalf("ParseReadResponse() error = %v, want %v", err, tt.wantKind)
			}
			if words != nil {
				t.Errorf("partial result %v returned with error", words)
			}
		})
	}

	words, err := ParseReadResponse(good, 0x01, 2)
	if err != nil {
		t.Fatalf("ParseReadResponse() error = %v", err)
	}
	if len(words) != 2 || words[0] != 0x0000 || words[1] != 0x0226 {
		t.Errorf("words = %#v, want [0x0000 0x0226]", words)
	}
}

func TestParseException(t *testing.T) {
	frame := crc.Append([]byte{0x01, 0x83, modbus.ExceptionCodeIllegalDataAddress})

	_, err := ParseReadResponse(frame, 0x01, 1)
	var dex *DeviceExceptionError
	if !errors.As(err, &dex) {
		t.Fatalf("error = %v, want DeviceExceptionError", err)
	}
	if dex.Code != modbus.ExceptionCodeIllegalDataAddress || dex.Function != modbus.FuncCodeReadHoldingRegisters {
		t.Errorf("exception = %+v", dex)
	}
	if IsFrameError(err) {
		t.Error("exception response classified as a frame error")
	}

	// An exception for the other function code is a function mismatch.
	if err := ParseWriteResponse(frame, 0x01, 0, 1); !IsFrameError(err, FunctionMismatch) {
		t.Errorf("ParseWriteResponse() error = %v, want FunctionMismatch", err)
	}
}

func TestParseWriteResponse(t *testing.T) {
	good := crc.Append([]byte{0x01, 0x10, 0x0B, 0xB8, 0x00, 0x02})

	if err := ParseWriteResponse(good, 0x01, 3000, 2); err != nil {
		t.Fatalf("ParseWriteResponse() error = %v", err)
	}

	tests := []struct {
		name     string
		frame    []byte
		start    uint16
		count    uint16
		wantKind FrameErrorKind
	}{
		{"StartEcho", good, 3001, 2, EchoMismatch},
		{"CountEcho", good, 3000, 1, EchoMismatch},
		{"ShortEcho", crc.Append([]byte{0x01, 0x10, 0x0B, 0xB8}), 3000, 2, LengthMismatch},
		{"WrongFunction", crc.Append([]byte{0x01, 0x03, 0x02, 0x00, 0x01}), 3000, 2, FunctionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ParseWriteResponse(tt.frame, 0x01, tt.start, tt.count); !IsFrameError(err, tt.wantKind) {
				t.Fatalf("ParseWriteResponse() error = %v, want %v", err, tt.wantKind)
			}
		})
	}
}
