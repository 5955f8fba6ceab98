// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package gpio drives the transmit-enable input of an RS-485 transceiver
// through a GPIO character device line.
package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "heatbus"

// line is the part of a requested gpiocdev line the pin uses.
type line interface {
	SetValue(value int) error
	Close() error
}

// Pin is a transaction.DirectionControl on one GPIO line. The line is held
// as an output in receive state from Open until Close.
type Pin struct {
	Chip   string
	Offset int

	mu    sync.Mutex
	line  line
	state *bool
}

// Open requests line offset of chip, e.g. "gpiochip0", as an output.
// With activeHigh false the transceiver transmits while the line is low.
func Open(chip string, offset int, activeHigh bool) (*Pin, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.WithConsumer(consumer), gpiocdev.AsOutput(0)}
	if !activeHigh {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	l, err := gpiocdev.RequestLine(chip, offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("gpio: request %s:%d: %w", chip, offset, err)
	}
	off := false
	return &Pin{Chip: chip, Offset: offset, line: l, state: &off}, nil
}

// SetTransmitEnable drives the line. Repeating the current state does not
// touch the line.
func (p *Pin) SetTransmitEnable(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.line == nil {
		return fmt.Errorf("gpio: %s:%d is closed", p.Chip, p.Offset)
	}
	if p.state != nil && *p.state == on {
		return nil
	}
	value := 0
	if on {
		value = 1
	}
	if err := p.line.SetValue(value); err != nil {
		return fmt.Errorf("gpio: set %s:%d: %w", p.Chip, p.Offset, err)
	}
	p.state = &on
	return nil
}

// Close leaves the line in receive state and releases it.
func (p *Pin) Close() error {
	err := p.SetTransmitEnable(false)

	p.mu.Lock()
	l := p.line
	p.line = nil
	p.mu.Unlock()
	if l == nil {
		return nil
	}
	if cerr := l.Close(); err == nil {
		err = cerr
	}
	return err
}
