// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/immergas-modbus/modbus"
	"github.com/ffutop/immergas-modbus/modbus/crc"
)

// ApplicationDataUnit is a PDU addressed to one slave.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode checks the CRC of raw and splits it into an ADU.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = frameErrorf(LengthMismatch, "frame length %d does not meet minimum %d", length, MinSize)
		return
	}
	if !crc.Valid(raw) {
		err = frameErrorf(CrcMismatch, "received %#04x, computed %#04x",
			binary.LittleEndian.Uint16(raw[length-2:]), crc.Checksum(raw[:length-2]))
		return
	}
	adu = &ApplicationDataUnit{
		SlaveID: raw[0],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: raw[1],
			Data:         raw[2 : length-2],
		},
	}
	return
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
		return
	}
	raw = make([]byte, 0, length)
	raw = append(raw, adu.SlaveID, adu.Pdu.FunctionCode)
	raw = append(raw, adu.Pdu.Data...)
	return crc.Append(raw), nil
}

// BuildReadRequest builds a "read holding registers" (0x03) frame.
func BuildReadRequest(slaveID byte, start, count uint16) ([]byte, error) {
	if count < 1 || count > modbus.MaxReadQuantity {
		return nil, fmt.Errorf("%w: read of %d registers at %d", ErrQuantity, count, start)
	}
	if int(start)+int(count) > 0x10000 {
		return nil, fmt.Errorf("%w: read of %d registers at %d passes the end of the address space", ErrQuantity, count, start)
	}
	frame := make([]byte, 6, ReadRequestSize)
	frame[0] = slaveID
	frame[1] = modbus.FuncCodeReadHoldingRegisters
	binary.BigEndian.PutUint16(frame[2:], start)
	binary.BigEndian.PutUint16(frame[4:], count)
	return crc.Append(frame), nil
}

// BuildWriteRequest builds a "write multiple registers" (0x10) frame.
func BuildWriteRequest(slaveID byte, start uint16, values []uint16) ([]byte, error) {
	count := len(values)
	if count < 1 || count > modbus.MaxWriteQuantity {
		return nil, fmt.Errorf("%w: write of %d registers at %d", ErrQuantity, count, start)
	}
	if int(start)+count > 0x10000 {
		return nil, fmt.Errorf("%w: write of %d registers at %d passes the end of the address space", ErrQuantity, count, start)
	}
	frame := make([]byte, 7+2*count, writeRequestOverhead+2*count)
	frame[0] = slaveID
	frame[1] = modbus.FuncCodeWriteMultipleRegisters
	binary.BigEndian.PutUint16(frame[2:], start)
	binary.BigEndian.PutUint16(frame[4:], uint16(count))
	frame[6] = byte(2 * count)
	for i, v := range values {
		binary.BigEndian.PutUint16(frame[7+2*i:], v)
	}
	return crc.Append(frame), nil
}

// ParseReadResponse validates a 0x03 response to a request for count
// registers and returns the register words.
func ParseReadResponse(frame []byte, slaveID byte, count uint16) ([]uint16, error) {
	adu, err := checkHeader(frame, slaveID, modbus.FuncCodeReadHoldingRegisters)
	if err != nil {
		return nil, err
	}
	data := adu.Pdu.Data
	if len(data) < 1 {
		return nil, frameErrorf(LengthMismatch, "missing byte count")
	}
	byteCount := int(data[0])
	if byteCount != 2*int(count) {
		return nil, frameErrorf(LengthMismatch, "byte count %d, requested %d registers", byteCount, count)
	}
	if len(data)-1 != byteCount {
		return nil, frameErrorf(LengthMismatch, "payload of %d bytes, byte count %d", len(data)-1, byteCount)
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[1+2*i:])
	}
	return words, nil
}

// ParseWriteResponse validates a 0x10 response, which must echo the start
// address and register count of the request.
func ParseWriteResponse(frame []byte, slaveID byte, start, count uint16) error {
	adu, err := checkHeader(frame, slaveID, modbus.FuncCodeWriteMultipleRegisters)
	if err != nil {
		return err
	}
	data := adu.Pdu.Data
	if len(data) != 4 {
		return frameErrorf(LengthMismatch, "write response carries %d data bytes, want 4", len(data))
	}
	gotStart := binary.BigEndian.Uint16(data[0:])
	gotCount := binary.BigEndian.Uint16(data[2:])
	if gotStart != start || gotCount != count {
		return frameErrorf(EchoMismatch, "echoed %d registers at %d, requested %d at %d", gotCount, gotStart, count, start)
	}
	return nil
}

// checkHeader runs the checks common to every response: CRC, slave address,
// exception and function code.
func checkHeader(frame []byte, slaveID, function byte) (*ApplicationDataUnit, error) {
	adu, err := Decode(frame)
	if err != nil {
		return nil, err
	}
	if adu.SlaveID != slaveID {
		return nil, frameErrorf(AddressMismatch, "response from slave %d, request to %d", adu.SlaveID, slaveID)
	}
	fc := adu.Pdu.FunctionCode
	if fc == function|modbus.ExceptionMask {
		if len(adu.Pdu.Data) != 1 {
			return nil, frameErrorf(LengthMismatch, "exception response carries %d bytes", len(adu.Pdu.Data))
		}
		return nil, &DeviceExceptionError{Function: function, Code: adu.Pdu.Data[0]}
	}
	if fc != function {
		return nil, frameErrorf(FunctionMismatch, "function 0x%02x, expected 0x%02x", fc, function)
	}
	return adu, nil
}

// ReadRequest is the decoded form of a 0x03 request.
type ReadRequest struct {
	SlaveID byte
	Start   uint16
	Count   uint16
}

// WriteRequest is the decoded form of a 0x10 request.
type WriteRequest struct {
	SlaveID byte
	Start   uint16
	Values  []uint16
}

// ParseReadRequest decodes a frame built by BuildReadRequest.
func ParseReadRequest(frame []byte) (ReadRequest, error) {
	adu, err := Decode(frame)
	if err != nil {
		return ReadRequest{}, err
	}
	if adu.Pdu.FunctionCode != modbus.FuncCodeReadHoldingRegisters {
		return ReadRequest{}, frameErrorf(FunctionMismatch, "function 0x%02x, expected 0x03", adu.Pdu.FunctionCode)
	}
	if len(adu.Pdu.Data) != 4 {
		return ReadRequest{}, frameErrorf(LengthMismatch, "read request carries %d data bytes", len(adu.Pdu.Data))
	}
	return ReadRequest{
		SlaveID: adu.SlaveID,
		Start:   binary.BigEndian.Uint16(adu.Pdu.Data[0:]),
		Count:   binary.BigEndian.Uint16(adu.Pdu.Data[2:]),
	}, nil
}

// ParseWriteRequest decodes a frame built by BuildWriteRequest.
func ParseWriteRequest(frame []byte) (WriteRequest, error) {
	adu, err := Decode(frame)
	if err != nil {
		return WriteRequest{}, err
	}
	if adu.Pdu.FunctionCode != modbus.FuncCodeWriteMultipleRegisters {
		return WriteRequest{}, frameErrorf(FunctionMismatch, "function 0x%02x, expected 0x10", adu.Pdu.FunctionCode)
	}
	data := adu.Pdu.Data
	if len(data) < 5 {
		return WriteRequest{}, frameErrorf(LengthMismatch, "write request carries %d data bytes", len(data))
	}
	count := int(binary.BigEndian.Uint16(data[2:]))
	if int(data[4]) != 2*count || len(data)-5 != 2*count {
		return WriteRequest{}, frameErrorf(LengthMismatch, "byte count %d for %d registers", data[4], count)
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[5+2*i:])
	}
	return WriteRequest{
		SlaveID: adu.SlaveID,
		Start:   binary.BigEndian.Uint16(data[0:]),
		Values:  values,
	}, nil
}
