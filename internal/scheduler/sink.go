// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package scheduler

import (
	"time"

	"github.com/ffutop/immergas-modbus/internal/pdu"
	"github.com/ffutop/immergas-modbus/internal/transaction"
)

// Cycle is the outcome of one poll cycle.
type Cycle struct {
	Number   uint64
	Started  time.Time
	Finished time.Time
	// Ranges is the number of read transactions the cycle was planned into.
	Ranges   int
	Values   []pdu.Reading
	Failures []*transaction.Error
}

// FailedPDUs lists the PDUs whose read failed in the cycle.
func (c *Cycle) FailedPDUs() []uint16 {
	var ids []uint16
	for _, f := range c.Failures {
		ids = append(ids, f.PDUs...)
	}
	return ids
}

// Sink consumes scheduler results. Calls come from the goroutine that
// drives Tick and must not block for long.
type Sink interface {
	PollComplete(c Cycle)
	WriteComplete(r pdu.Reading, err error)
}

// Multi fans results out to several sinks in order.
type Multi []Sink

func (m Multi) PollComplete(c Cycle) {
	for _, s := range m {
		s.PollComplete(c)
	}
}

func (m Multi) WriteComplete(r pdu.Reading, err error) {
	for _, s := range m {
		s.WriteComplete(r, err)
	}
}
