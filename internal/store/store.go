// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package store keeps the last known value of every PDU.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/ffutop/immergas-modbus/internal/pdu"
	"github.com/ffutop/immergas-modbus/internal/scheduler"
)

// Entry is the last known state of one PDU.
type Entry struct {
	pdu.Reading
	// Stale is set when the latest attempt to read the PDU failed. The
	// reading then still holds the previous value, if there was one.
	Stale     bool
	StaleFrom time.Time
	Err       error
}

// Store implements scheduler.Sink. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[uint16]*Entry
	cycle   uint64
	polled  time.Time
}

var _ scheduler.Sink = (*Store)(nil)

func New() *Store {
	return &Store{entries: make(map[uint16]*Entry)}
}

// PollComplete records the values of a cycle and marks the PDUs of its
// failed ranges stale.
func (s *Store) PollComplete(c scheduler.Cycle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycle = c.Number
	s.polled = c.Finished
	for _, r := range c.Values {
		s.entries[r.PDU] = &Entry{Reading: r}
	}
	for _, f := range c.Failures {
		for _, id := range f.PDUs {
			s.markStale(id, c.Finished, f)
		}
	}
}

// WriteComplete records a written value; the next poll confirms it.
func (s *Store) WriteComplete(r pdu.Reading, err error) {
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[r.PDU] = &Entry{Reading: r}
}

func (s *Store) markStale(id uint16, at time.Time, err error) {
	e, ok := s.entries[id]
	if !ok {
		e = &Entry{Reading: pdu.Reading{PDU: id}}
		s.entries[id] = e
	}
	if !e.Stale {
		e.StaleFrom = at
	}
	e.Stale = true
	e.Err = err
}

// Get returns the entry for id.
func (s *Store) Get(id uint16) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns every entry ordered by PDU id.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PDU < out[j].PDU })
	return out
}

// LastCycle returns the number and finish time of the latest cycle.
func (s *Store) LastCycle() (uint64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycle, s.polled
}
