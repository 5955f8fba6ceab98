// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transaction

import (
	"context"
	"sync"
	"time"
)

// doPollInterval is how often Do advances a transaction.
const doPollInterval = 2 * time.Millisecond

// Bus owns the stream and allows one active transaction on it.
type Bus struct {
	stream Stream
	dir    DirectionControl
	clock  Clock
	opts   Options

	mu     sync.Mutex
	active *Transaction
}

// NewBus returns a bus on stream. dir may be nil when the transceiver
// switches direction by itself; a nil clock uses SystemClock.
func NewBus(stream Stream, dir DirectionControl, clock Clock, opts Options) *Bus {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Bus{
		stream: stream,
		dir:    dir,
		clock:  clock,
		opts:   opts.withDefaults(),
	}
}

// Options returns the effective options.
func (b *Bus) Options() Options { return b.opts }

// Clock returns the clock of the bus.
func (b *Bus) Clock() Clock { return b.clock }

// Begin starts a transaction for req. It fails with ErrBusy while another
// transaction has not reached a terminal state.
func (b *Bus) Begin(req Request) (*Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active != nil {
		return nil, ErrBusy
	}
	if req.Op == OpWrite {
		req.Count = uint16(len(req.Values))
	}
	t := &Transaction{bus: b, req: req, state: Idle}
	b.active = t
	return t, nil
}

func (b *Bus) finish(t *Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active == t {
		b.active = nil
	}
}

// Do runs req to completion, stepping it every few milliseconds. It is
// meant for one-shot tools and tests; the scheduler drives Step itself.
func (b *Bus) Do(ctx context.Context, req Request) ([]uint16, error) {
	t, err := b.Begin(req)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(doPollInterval)
	defer ticker.Stop()

	for !t.Step(b.clock.Now()) {
		select {
		case <-ctx.Done():
			t.Abort(ctx.Err())
			return t.Result()
		case <-ticker.C:
		}
	}
	return t.Result()
}
