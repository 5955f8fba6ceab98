// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transaction

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/immergas-modbus/modbus"
	"github.com/ffutop/immergas-modbus/modbus/rtu"
)

// Op is the kind of request a transaction carries.
type Op int

const (
	OpRead Op = iota + 1
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Request describes one register exchange.
type Request struct {
	Op     Op
	Start  uint16
	Count  uint16   // registers to read, derived from Values for writes
	Values []uint16 // registers to write
	PDUs   []uint16 // PDUs served, for error reports
}

// ReadRequest reads count registers at start.
func ReadRequest(start, count uint16, pdus ...uint16) Request {
	return Request{Op: OpRead, Start: start, Count: count, PDUs: pdus}
}

// WriteRequest writes values at start.
func WriteRequest(start uint16, values []uint16, pdus ...uint16) Request {
	return Request{Op: OpWrite, Start: start, Count: uint16(len(values)), Values: values, PDUs: pdus}
}

func (r Request) function() byte {
	if r.Op == OpWrite {
		return modbus.FuncCodeWriteMultipleRegisters
	}
	return modbus.FuncCodeReadHoldingRegisters
}

// State is the position of a transaction in its life cycle.
type State int

const (
	Idle State = iota
	Building
	AwaitingDirectionSettle
	Transmitting
	AwaitingResponse
	Validating
	Succeeded
	Failed
)

var stateNames = [...]string{
	Idle:                    "idle",
	Building:                "building",
	AwaitingDirectionSettle: "awaiting direction settle",
	Transmitting:            "transmitting",
	AwaitingResponse:        "awaiting response",
	Validating:              "validating",
	Succeeded:               "succeeded",
	Failed:                  "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further Step can change the state.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

// Transaction is one request and its retries. It is driven by Step and
// must only be used from one goroutine.
type Transaction struct {
	bus *Bus
	req Request

	state   State
	attempt int
	frame   []byte
	asm     *rtu.Assembler

	guardUntil time.Time // end of the pre-transmit guard
	releaseAt  time.Time // when transmit-enable is dropped
	deadline   time.Time
	txEnabled  bool

	words []uint16
	err   error
}

// Request returns the request being served.
func (t *Transaction) Request() Request { return t.req }

// State returns the current state.
func (t *Transaction) State() State { return t.state }

// Attempts is the number of attempts started so far.
func (t *Transaction) Attempts() int { return t.attempt }

// Result returns the register words of a successful read, or the failure.
// A write returns nil words on success. Result is only meaningful once Step
// has returned true.
func (t *Transaction) Result() ([]uint16, error) {
	if t.state == Failed {
		return nil, t.err
	}
	return t.words, nil
}

// Step advances the transaction as far as it can go at now without
// waiting and reports whether it has finished.
func (t *Transaction) Step(now time.Time) bool {
	for {
		prev := t.state
		t.step(now)
		if t.state.Terminal() {
			return true
		}
		if t.state == prev {
			return false
		}
	}
}

func (t *Transaction) step(now time.Time) {
	b := t.bus
	switch t.state {
	case Idle:
		if stray := b.stream.ReadAvailable(); len(stray) > 0 {
			slog.Debug("discard stray bytes", "bytes", hex.EncodeToString(stray))
		}
		t.attempt++
		t.state = Building

	case Building:
		frame, err := t.build()
		if err != nil {
			t.fail(err)
			return
		}
		t.frame = frame
		if t.asm == nil {
			t.asm = rtu.NewAssembler(t.req.function())
		}
		t.asm.Reset()
		if b.dir == nil {
			t.state = Transmitting
			return
		}
		if err := b.dir.SetTransmitEnable(true); err != nil {
			t.retry(fmt.Errorf("assert transmit enable: %w", err))
			return
		}
		t.txEnabled = true
		t.guardUntil = now.Add(b.opts.PreTransmitGuard)
		t.state = AwaitingDirectionSettle

	case AwaitingDirectionSettle:
		if now.Before(t.guardUntil) {
			return
		}
		t.state = Transmitting

	case Transmitting:
		slog.Debug("send to appliance", "request", hex.EncodeToString(t.frame), "attempt", t.attempt)
		n, err := b.stream.Write(t.frame)
		if err == nil && n != len(t.frame) {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(t.frame))
		}
		if err != nil {
			t.retry(fmt.Errorf("write request: %w", err))
			return
		}
		t.releaseAt = now.Add(wireTime(b.opts.BaudRate, b.opts.CharBits, len(t.frame)) + b.opts.PostTransmitGuard)
		t.deadline = now.Add(t.timeout())
		t.state = AwaitingResponse

	case AwaitingResponse:
		if t.txEnabled && !now.Before(t.releaseAt) {
			if err := t.release(); err != nil {
				t.retry(err)
				return
			}
		}
		if p := b.stream.ReadAvailable(); len(p) > 0 {
			if n := t.asm.Feed(p); n < len(p) {
				slog.Debug("discard bytes after frame", "bytes", hex.EncodeToString(p[n:]))
			}
		}
		if t.asm.Complete() {
			t.state = Validating
			return
		}
		if !now.Before(t.deadline) {
			if t.asm.Len() > 0 {
				slog.Debug("partial response at deadline", "bytes", hex.EncodeToString(t.asm.Frame()))
			}
			t.retry(ErrTimeout)
		}

	case Validating:
		if t.txEnabled {
			if err := t.release(); err != nil {
				t.retry(err)
				return
			}
		}
		resp := t.asm.Frame()
		slog.Debug("recv from appliance", "response", hex.EncodeToString(resp))
		if err := t.validate(resp); err != nil {
			t.retry(err)
			return
		}
		t.state = Succeeded
		t.bus.finish(t)
	}
}

func (t *Transaction) build() ([]byte, error) {
	slave := t.bus.opts.SlaveID
	if t.req.Op == OpWrite {
		return rtu.BuildWriteRequest(slave, t.req.Start, t.req.Values)
	}
	return rtu.BuildReadRequest(slave, t.req.Start, t.req.Count)
}

func (t *Transaction) validate(resp []byte) error {
	slave := t.bus.opts.SlaveID
	if t.req.Op == OpWrite {
		return rtu.ParseWriteResponse(resp, slave, t.req.Start, t.req.Count)
	}
	words, err := rtu.ParseReadResponse(resp, slave, t.req.Count)
	if err != nil {
		return err
	}
	t.words = words
	return nil
}

func (t *Transaction) timeout() time.Duration {
	if t.req.Op == OpWrite {
		return t.bus.opts.WriteTimeout
	}
	return t.bus.opts.ReadTimeout
}

func (t *Transaction) release() error {
	t.txEnabled = false
	if err := t.bus.dir.SetTransmitEnable(false); err != nil {
		return fmt.Errorf("release transmit enable: %w", err)
	}
	return nil
}

// retry ends the current attempt with err and starts over if the error
// kind and the attempt budget allow it.
func (t *Transaction) retry(err error) {
	kind := classify(err)
	if kind.Retryable() && t.attempt < t.bus.opts.Attempts {
		slog.Debug("retry transaction", "op", t.req.Op, "start", t.req.Start, "count", t.req.Count,
			"attempt", t.attempt, "kind", kind, "err", err)
		if t.txEnabled {
			if rerr := t.release(); rerr != nil {
				slog.Warn("transmit enable left asserted", "err", rerr)
			}
		}
		t.state = Idle
		return
	}
	t.fail(err)
}

func (t *Transaction) fail(err error) {
	if t.txEnabled {
		if rerr := t.release(); rerr != nil {
			slog.Warn("transmit enable left asserted", "err", rerr)
		}
	}
	t.err = &Error{
		Kind:     classify(err),
		Op:       t.req.Op,
		Attempts: t.attempt,
		Start:    t.req.Start,
		Count:    t.req.Count,
		PDUs:     t.req.PDUs,
		Err:      err,
	}
	t.words = nil
	t.state = Failed
	t.bus.finish(t)
}

// Abort stops the transaction where it stands. Bytes still on the wire are
// discarded by the next transaction.
func (t *Transaction) Abort(cause error) {
	if t.state.Terminal() {
		return
	}
	if cause == nil {
		cause = ErrAborted
	}
	t.fail(cause)
}
