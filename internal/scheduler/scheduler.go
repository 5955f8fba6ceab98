// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package scheduler owns the bus: it runs the periodic poll cycles and
// slips queued writes in between their read ranges.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/immergas-modbus/internal/pdu"
	"github.com/ffutop/immergas-modbus/internal/planner"
	"github.com/ffutop/immergas-modbus/internal/transaction"
	"github.com/ffutop/immergas-modbus/modbus"
)

const (
	DefaultInterval = 30 * time.Second
	// DiscouragedInterval is the shortest interval that leaves room for a
	// full cycle of timeouts on a slow link.
	DiscouragedInterval = 15 * time.Second
)

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("scheduler: stopped")

// Config controls the poll cadence.
type Config struct {
	Interval time.Duration
	// MaxRangeCount caps the registers read by one request.
	MaxRangeCount int
}

type writeJob struct {
	desc  *pdu.Descriptor
	value pdu.Value
	words []uint16
	done  chan error
}

// Scheduler serializes every transaction on one bus. Tick must be called
// from a single goroutine; Submit may be called from any goroutine.
type Scheduler struct {
	cfg   Config
	table *pdu.Table
	bus   *transaction.Bus
	sink  Sink

	mu      sync.Mutex
	writes  []*writeJob
	stopped bool

	// Owned by the Tick goroutine.
	inflight *transaction.Transaction
	write    *writeJob
	cycle    *Cycle
	ranges   []planner.RegisterRange
	next     int
	nextPoll time.Time
	cycleNo  uint64
}

// New returns a scheduler for table on bus. A nil sink discards results.
func New(cfg Config, table *pdu.Table, bus *transaction.Bus, sink Sink) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxRangeCount <= 0 {
		cfg.MaxRangeCount = modbus.MaxReadQuantity
	}
	if cfg.Interval < DiscouragedInterval {
		slog.Warn("poll interval below the recommended minimum, timeouts may pile up across ranges",
			"interval", cfg.Interval, "recommended", DiscouragedInterval)
	}
	if sink == nil {
		sink = Multi{}
	}
	return &Scheduler{cfg: cfg, table: table, bus: bus, sink: sink}
}

// Submit queues a write of value to the PDU id. Read-only PDUs and values
// that do not fit the register are rejected here, before anything reaches
// the bus. The returned channel receives the outcome once.
func (s *Scheduler) Submit(id uint16, value pdu.Value) (<-chan error, error) {
	desc, err := s.table.Lookup(id)
	if err != nil {
		return nil, err
	}
	words, err := pdu.Encode(desc, value)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}
	job := &writeJob{desc: desc, value: value, words: words, done: make(chan error, 1)}
	s.writes = append(s.writes, job)
	slog.Debug("write queued", "pdu", id, "value", value, "queued", len(s.writes))
	return job.done, nil
}

// Pending is the number of queued writes not yet started.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// Tick advances the in-flight transaction and, when the bus is free,
// starts the next job: a queued write first, then the next range of the
// open cycle, then a new cycle once it is due.
func (s *Scheduler) Tick(now time.Time) {
	for {
		if s.inflight == nil && !s.startNext(now) {
			return
		}
		if !s.inflight.Step(now) {
			return
		}
		s.complete(now)
	}
}

func (s *Scheduler) startNext(now time.Time) bool {
	if job := s.popWrite(); job != nil {
		d := job.desc
		req := transaction.WriteRequest(d.Address, job.words, d.ID)
		if s.begin(req) {
			s.write = job
			return true
		}
		s.finishWrite(job, now, fmt.Errorf("%v: %w", d, transaction.ErrBusy))
		return false
	}

	if s.cycle == nil {
		if !s.nextPoll.IsZero() && now.Before(s.nextPoll) {
			return false
		}
		s.openCycle(now)
	}
	if s.next >= len(s.ranges) {
		s.closeCycle(now)
		return false
	}

	r := &s.ranges[s.next]
	return s.begin(transaction.ReadRequest(r.Start, r.Count, r.IDs()...))
}

func (s *Scheduler) begin(req transaction.Request) bool {
	tx, err := s.bus.Begin(req)
	if err != nil {
		slog.Error("bus refused transaction", "op", req.Op, "start", req.Start, "err", err)
		return false
	}
	s.inflight = tx
	return true
}

func (s *Scheduler) popWrite() *writeJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.writes) == 0 {
		return nil
	}
	job := s.writes[0]
	s.writes[0] = nil
	s.writes = s.writes[1:]
	return job
}

func (s *Scheduler) openCycle(now time.Time) {
	s.cycleNo++
	s.cycle = &Cycle{Number: s.cycleNo, Started: now}
	s.next = 0

	if s.nextPoll.IsZero() || now.Sub(s.nextPoll) >= s.cfg.Interval {
		s.nextPoll = now.Add(s.cfg.Interval)
	} else {
		s.nextPoll = s.nextPoll.Add(s.cfg.Interval)
	}

	ranges, err := planner.PlanWithLimit(s.table, planner.Due(s.table, s.cycleNo), s.cfg.MaxRangeCount)
	if err != nil {
		slog.Error("plan poll cycle", "cycle", s.cycleNo, "err", err)
		ranges = nil
	}
	s.ranges = ranges
	s.cycle.Ranges = len(ranges)
	slog.Debug("poll cycle started", "cycle", s.cycleNo, "ranges", len(ranges))
}

func (s *Scheduler) closeCycle(now time.Time) {
	c := *s.cycle
	c.Finished = now
	s.cycle = nil
	s.ranges = nil
	s.next = 0

	slog.Info("poll cycle complete", "cycle", c.Number, "values", len(c.Values),
		"failures", len(c.Failures), "duration", c.Finished.Sub(c.Started))
	s.sink.PollComplete(c)
}

func (s *Scheduler) complete(now time.Time) {
	tx := s.inflight
	s.inflight = nil
	words, err := tx.Result()

	if job := s.write; job != nil {
		s.write = nil
		s.finishWrite(job, now, err)
		return
	}

	r := &s.ranges[s.next]
	s.next++
	if err != nil {
		var terr *transaction.Error
		if !errors.As(err, &terr) {
			terr = &transaction.Error{Kind: transaction.IO, Op: transaction.OpRead, Start: r.Start, Count: r.Count, PDUs: r.IDs(), Err: err}
		}
		slog.Warn("read range failed", "range", r, "pdus", terr.PDUs, "kind", terr.Kind, "attempts", terr.Attempts, "err", terr.Err)
		s.cycle.Failures = append(s.cycle.Failures, terr)
	} else {
		for _, m := range r.Members {
			desc, err := s.table.Lookup(m.PDU)
			if err != nil {
				continue
			}
			v, err := pdu.Decode(desc, r.Slice(words, m))
			if err != nil {
				slog.Error("decode register", "pdu", m.PDU, "err", err)
				continue
			}
			s.cycle.Values = append(s.cycle.Values, pdu.Reading{PDU: desc.ID, Name: desc.Name, Value: v, At: now})
		}
	}
	if s.next >= len(s.ranges) {
		s.closeCycle(now)
	}
}

func (s *Scheduler) finishWrite(job *writeJob, now time.Time, err error) {
	d := job.desc
	if err != nil {
		slog.Warn("write failed", "pdu", d.ID, "value", job.value, "err", err)
	} else {
		slog.Info("write complete", "pdu", d.ID, "value", job.value)
	}
	job.done <- err
	close(job.done)
	s.sink.WriteComplete(pdu.Reading{PDU: d.ID, Name: d.Name, Value: job.value, At: now}, err)
}

// Run drives Tick every tick until ctx is done. On return the in-flight
// transaction is abandoned and queued writes fail with the context error.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	clock := s.bus.Clock()
	s.Tick(clock.Now())
	for {
		select {
		case <-ctx.Done():
			s.shutdown(clock.Now(), ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			s.Tick(clock.Now())
		}
	}
}

func (s *Scheduler) shutdown(now time.Time, cause error) {
	if s.inflight != nil {
		s.inflight.Abort(cause)
		s.complete(now)
	}

	s.mu.Lock()
	s.stopped = true
	pending := s.writes
	s.writes = nil
	s.mu.Unlock()

	for _, job := range pending {
		s.finishWrite(job, now, cause)
	}
}
