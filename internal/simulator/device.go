// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package simulator stands in for the appliance: it answers read and write
// requests against a register image, either in-process through Loopback or
// on a real serial line.
package simulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ffutop/immergas-modbus/internal/pdu"
	"github.com/ffutop/immergas-modbus/internal/simulator/model"
	"github.com/ffutop/immergas-modbus/internal/simulator/persistence"
	"github.com/ffutop/immergas-modbus/modbus"
	"github.com/ffutop/immergas-modbus/transport"
)

// Device implements the slave side of the protocol on top of a register
// image.
type Device struct {
	slaveID  byte
	table    *pdu.Table
	regs     *model.Registers
	storage  persistence.Storage
	readOnly map[uint16]bool

	requests   atomic.Uint64
	exceptions atomic.Uint64
}

// NewDevice loads the register image from storage. Registers that only
// read-only PDUs of table cover refuse writes.
func NewDevice(slaveID byte, table *pdu.Table, storage persistence.Storage) (*Device, error) {
	if storage == nil {
		storage = persistence.NewMemoryStorage()
	}
	regs, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load register image: %w", err)
	}

	readOnly := make(map[uint16]bool)
	writable := make(map[uint16]bool)
	for _, d := range table.Descriptors() {
		for a := int(d.Address); a < d.End(); a++ {
			if d.Writable() {
				writable[uint16(a)] = true
			} else {
				readOnly[uint16(a)] = true
			}
		}
	}
	for a := range writable {
		delete(readOnly, a)
	}

	return &Device{
		slaveID:  slaveID,
		table:    table,
		regs:     regs,
		storage:  storage,
		readOnly: readOnly,
	}, nil
}

// SlaveID returns the address the device answers to.
func (d *Device) SlaveID() byte { return d.slaveID }

// Registers returns the live register image.
func (d *Device) Registers() *model.Registers { return d.regs }

// Stats returns the number of requests answered and how many of them were
// exceptions.
func (d *Device) Stats() (requests, exceptions uint64) {
	return d.requests.Load(), d.exceptions.Load()
}

// Set stores a value for PDU id regardless of its access, the way the
// appliance itself updates its sensors. Byte-wide PDUs keep the other byte
// of their register.
func (d *Device) Set(id uint16, v pdu.Value) error {
	desc, err := d.table.Lookup(id)
	if err != nil {
		return err
	}
	rw := *desc
	rw.Access = pdu.ReadWrite
	words, err := pdu.Encode(&rw, v)
	if err != nil {
		return err
	}
	if desc.Type == pdu.Flag8 || desc.Type == pdu.U8 {
		keep := uint16(0xFF00)
		if desc.HighByte {
			keep = 0x00FF
		}
		words[0] |= d.regs.Get(desc.Address) & keep
	}
	if err := d.regs.Set(desc.Address, words...); err != nil {
		return err
	}
	d.storage.OnWrite(desc.Address, uint16(len(words)))
	return nil
}

// Get decodes the current value of PDU id from the image.
func (d *Device) Get(id uint16) (pdu.Value, error) {
	desc, err := d.table.Lookup(id)
	if err != nil {
		return pdu.Value{}, err
	}
	words := make([]uint16, desc.Count)
	for i := range words {
		words[i] = d.regs.Get(desc.Address + uint16(i))
	}
	return pdu.Decode(desc, words)
}

// Process executes one request against the image and returns the response.
func (d *Device) Process(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	d.requests.Add(1)
	var resp modbus.ProtocolDataUnit
	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		resp = d.handleReadHoldingRegisters(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		resp = d.handleWriteMultipleRegisters(req)
	default:
		resp = exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
	if resp.IsException() {
		d.exceptions.Add(1)
		slog.Debug("simulator exception", "function", req.FunctionCode, "code", modbus.ExceptionText(resp.Data[0]))
	}
	return resp
}

// Handle is a transport.RequestHandler. Requests for other slaves get no
// answer.
func (d *Device) Handle(ctx context.Context, slaveID byte, req modbus.ProtocolDataUnit) (*modbus.ProtocolDataUnit, error) {
	if slaveID != d.slaveID {
		return nil, nil
	}
	resp := d.Process(req)
	return &resp, nil
}

// Serve answers requests arriving on up until ctx is done.
func (d *Device) Serve(ctx context.Context, up transport.Upstream) error {
	err := up.Start(ctx, d.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close saves the image and releases the storage.
func (d *Device) Close() error {
	if err := d.storage.Save(d.regs); err != nil {
		d.storage.Close()
		return err
	}
	return d.storage.Close()
}

func (d *Device) handleReadHoldingRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadQuantity {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	data, err := d.regs.Read(address, quantity)
	if err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}
}

func (d *Device) handleWriteMultipleRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 7 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])

	if quantity < 1 || quantity > modbus.MaxWriteQuantity {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if byteCount != int(quantity)*2 || len(req.Data)-5 != byteCount {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	for a := int(address); a < int(address)+int(quantity); a++ {
		if d.readOnly[uint16(a)] {
			return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
		}
	}

	if err := d.regs.Write(address, quantity, req.Data[5:]); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	d.storage.OnWrite(address, quantity)

	respData := make([]byte, 4)
	binary.BigEndian.PutUint16(respData[0:2], address)
	binary.BigEndian.PutUint16(respData[2:4], quantity)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}
}

func exception(funcCode byte, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{
		FunctionCode: funcCode | modbus.ExceptionMask,
		Data:         []byte{code},
	}
}
