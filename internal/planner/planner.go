// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package planner groups the PDUs due in a poll cycle into the smallest set
// of contiguous "read holding registers" requests.
package planner

import (
	"fmt"
	"sort"

	"github.com/ffutop/immergas-modbus/internal/pdu"
	"github.com/ffutop/immergas-modbus/modbus"
)

// Member places one PDU inside a RegisterRange.
type Member struct {
	PDU    uint16
	Offset int // register offset from Range.Start
	Count  int
}

// RegisterRange is one read request and the PDUs it serves.
type RegisterRange struct {
	Start   uint16
	Count   uint16
	Members []Member
}

// End is one past the last register of the range.
func (r *RegisterRange) End() int {
	return int(r.Start) + int(r.Count)
}

// IDs lists the PDUs served by the range.
func (r *RegisterRange) IDs() []uint16 {
	ids := make([]uint16, len(r.Members))
	for i, m := range r.Members {
		ids[i] = m.PDU
	}
	return ids
}

// Slice returns the words that belong to m out of the words read for r.
func (r *RegisterRange) Slice(words []uint16, m Member) []uint16 {
	return words[m.Offset : m.Offset+m.Count]
}

func (r *RegisterRange) String() string {
	return fmt.Sprintf("%d+%d", r.Start, r.Count)
}

// Plan batches due into ranges of at most modbus.MaxReadQuantity registers.
func Plan(table *pdu.Table, due []uint16) ([]RegisterRange, error) {
	return PlanWithLimit(table, due, modbus.MaxReadQuantity)
}

// PlanWithLimit batches due into ranges of at most maxCount registers.
// Descriptors are sorted by address and merged while the next one starts
// inside or right after the current range. Ranges come out in ascending
// address order and never overlap.
func PlanWithLimit(table *pdu.Table, due []uint16, maxCount int) ([]RegisterRange, error) {
	if maxCount < 2 || maxCount > modbus.MaxReadQuantity {
		return nil, fmt.Errorf("planner: range limit %d outside [2,%d]", maxCount, modbus.MaxReadQuantity)
	}

	seen := make(map[uint16]bool, len(due))
	descs := make([]*pdu.Descriptor, 0, len(due))
	for _, id := range due {
		if seen[id] {
			continue
		}
		seen[id] = true
		d, err := table.Lookup(id)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	sort.SliceStable(descs, func(i, j int) bool {
		if descs[i].Address != descs[j].Address {
			return descs[i].Address < descs[j].Address
		}
		return descs[i].ID < descs[j].ID
	})

	var ranges []RegisterRange
	var cur *RegisterRange
	for _, d := range descs {
		if cur != nil && int(d.Address) <= cur.End() {
			end := cur.End()
			if d.End() > end {
				end = d.End()
			}
			if end-int(cur.Start) <= maxCount {
				cur.Count = uint16(end - int(cur.Start))
				cur.Members = append(cur.Members, Member{PDU: d.ID, Offset: int(d.Address - cur.Start), Count: d.Count})
				continue
			}
		}

		start := int(d.Address)
		var moved []span
		if cur != nil && start < cur.End() {
			start, moved = carve(cur, start, d.End(), maxCount)
		}
		moved = append(moved, span{id: d.ID, addr: int(d.Address), count: d.Count})

		r := RegisterRange{Start: uint16(start)}
		end := start
		for _, m := range moved {
			r.Members = append(r.Members, Member{PDU: m.id, Offset: m.addr - start, Count: m.count})
			if m.addr+m.count > end {
				end = m.addr + m.count
			}
		}
		r.Count = uint16(end - start)
		ranges = append(ranges, r)
		cur = &ranges[len(ranges)-1]
	}
	return ranges, nil
}

type span struct {
	id    uint16
	addr  int
	count int
}

// carve moves the members of r that reach past at into the range that is
// about to open, so the two ranges stay disjoint. If the new range would
// then grow past maxCount, r is left alone and the ranges share registers.
func carve(r *RegisterRange, at, end, maxCount int) (int, []span) {
	kept := append([]Member(nil), r.Members...)
	var moved []span
	start := at
	for changed := true; changed; {
		changed = false
		next := kept[:0]
		for _, m := range kept {
			addr := int(r.Start) + m.Offset
			if addr+m.Count > start {
				moved = append(moved, span{id: m.PDU, addr: addr, count: m.Count})
				if addr < start {
					start = addr
				}
				changed = true
				continue
			}
			next = append(next, m)
		}
		kept = next
	}
	if len(kept) == 0 || end-start > maxCount {
		return at, nil
	}

	sort.SliceStable(moved, func(i, j int) bool {
		if moved[i].addr != moved[j].addr {
			return moved[i].addr < moved[j].addr
		}
		return moved[i].id < moved[j].id
	})
	r.Members = kept
	last := 0
	for _, m := range kept {
		if m.Offset+m.Count > last {
			last = m.Offset + m.Count
		}
	}
	r.Count = uint16(last)
	return start, moved
}

// Due lists the PDUs polled in cycle. Cycles are numbered from 1 and every
// pollable PDU is due in the first one; a PDU with Every n is then polled
// on every nth cycle after that. PDUs with Every 0 are never polled.
func Due(table *pdu.Table, cycle uint64) []uint16 {
	var ids []uint16
	for _, d := range table.Descriptors() {
		if d.Every <= 0 {
			continue
		}
		if cycle == 0 || (cycle-1)%uint64(d.Every) == 0 {
			ids = append(ids, d.ID)
		}
	}
	return ids
}
