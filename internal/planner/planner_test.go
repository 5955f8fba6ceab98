// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package planner

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/ffutop/immergas-modbus/internal/pdu"
)

func mustTable(t testing.TB, descs []pdu.Descriptor) *pdu.Table {
	t.Helper()
	table, err := pdu.NewTable(descs)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	return table
}

func TestPlan(t *testing.T) {
	table := mustTable(t, []pdu.Descriptor{
		{ID: 2100, Address: 2100, Type: pdu.Temp, Decimals: 1, Every: 1},
		{ID: 2101, Address: 2101, Type: pdu.Temp, Decimals: 1, Every: 1},
		{ID: 2102, Address: 2102, Type: pdu.U32, Every: 1},
		{ID: 2103, Address: 2103, Type: pdu.U16, Every: 1}, // overlaps the low word of 2102
		{ID: 3016, Address: 3016, Type: pdu.U32, Every: 1},
		{ID: 4001, Address: 2100, Type: pdu.Flag8, Every: 1}, // same register as 2100
	})

	ranges, err := Plan(table, []uint16{3016, 2103, 2100, 2101, 2102, 4001, 2100})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := []RegisterRange{
		{Start: 2100, Count: 4, Members: []Member{
			{PDU: 2100, Offset: 0, Count: 1},
			{PDU: 4001, Offset: 0, Count: 1},
			{PDU: 2101, Offset: 1, Count: 1},
			{PDU: 2102, Offset: 2, Count: 2},
			{PDU: 2103, Offset: 3, Count: 1},
		}},
		{Start: 3016, Count: 2, Members: []Member{{PDU: 3016, Offset: 0, Count: 2}}},
	}
	if !reflect.DeepEqual(ranges, want) {
		t.Errorf("Plan() =\n%+v\nwant\n%+v", ranges, want)
	}
}

func TestPlanUnknownPDU(t *testing.T) {
	table := mustTable(t, []pdu.Descriptor{{ID: 1, Address: 1, Type: pdu.U16}})
	if _, err := Plan(table, []uint16{1, 2}); !errors.Is(err, pdu.ErrUnknownPDU) {
		t.Fatalf("Plan() error = %v, want ErrUnknownPDU", err)
	}
}

func TestPlanEmpty(t *testing.T) {
	table := mustTable(t, nil)
	ranges, err := Plan(table, nil)
	if err != nil || len(ranges) != 0 {
		t.Fatalf("Plan() = %v, %v", ranges, err)
	}
}

func TestPlanLimit(t *testing.T) {
	var descs []pdu.Descriptor
	var ids []uint16
	for i := 0; i < 130; i++ {
		descs = append(descs, pdu.Descriptor{ID: uint16(i), Address: uint16(100 + i), Type: pdu.U16, Every: 1})
		ids = append(ids, uint16(i))
	}
	table := mustTable(t, descs)

	ranges, err := Plan(table, ids)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(ranges) != 2 || ranges[0].Count != 125 || ranges[1].Start != 225 || ranges[1].Count != 5 {
		t.Fatalf("Plan() = %v", ranges)
	}

	ranges, err = PlanWithLimit(table, ids, 16)
	if err != nil {
		t.Fatalf("PlanWithLimit() error = %v", err)
	}
	if len(ranges) != 9 {
		t.Fatalf("PlanWithLimit(16) produced %d ranges, want 9", len(ranges))
	}

	if _, err := PlanWithLimit(table, ids, 1); err == nil {
		t.Fatal("PlanWithLimit(1) accepted a limit below the widest type")
	}
}

// TestPlanProperties checks random tables for the batching guarantees:
// every range fits one request, ranges are ascending and disjoint, and
// every due PDU is covered exactly once by a range that contains it.
func TestPlanProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	narrow := []pdu.DataType{pdu.U16, pdu.S16, pdu.Temp, pdu.Flag8, pdu.U8}
	wideTypes := []pdu.DataType{pdu.U32, pdu.S32, pdu.Float32}

	for iter := 0; iter < 200; iter++ {
		// Lay out registers the way a device map does: each slot is one or
		// two registers wide and may carry several views. Views either
		// share the slot address or sit on the low word of a wide slot.
		var descs []pdu.Descriptor
		addr := rng.Intn(50)
		for len(descs) < 300 && addr < 1000 {
			wide := rng.Intn(2) == 0
			views := 1 + rng.Intn(3)
			for v := 0; v < views; v++ {
				d := pdu.Descriptor{ID: uint16(len(descs) + 1), Address: uint16(addr), Type: narrow[rng.Intn(len(narrow))], Every: 1}
				if wide {
					switch rng.Intn(3) {
					case 0:
						d.Type = wideTypes[rng.Intn(len(wideTypes))]
					case 1:
						d.Address++
					}
				}
				descs = append(descs, d)
			}
			addr++
			if wide {
				addr++
			}
			addr += rng.Intn(4)
		}
		n := len(descs)
		table := mustTable(t, descs)

		due := make([]uint16, 0, n)
		for i := 0; i < n; i++ {
			if rng.Intn(3) > 0 {
				due = append(due, uint16(i+1))
			}
		}
		limit := 2 + rng.Intn(124)
		ranges, err := PlanWithLimit(table, due, limit)
		if err != nil {
			t.Fatalf("iteration %d: PlanWithLimit() error = %v", iter, err)
		}

		covered := make(map[uint16]int)
		for i := range ranges {
			r := &ranges[i]
			if r.Count == 0 || int(r.Count) > limit {
				t.Fatalf("iteration %d: range %v exceeds limit %d", iter, r, limit)
			}
			if i > 0 && int(r.Start) < ranges[i-1].End() {
				t.Fatalf("iteration %d: range %v overlaps %v", iter, r, &ranges[i-1])
			}
			for _, m := range r.Members {
				d, _ := table.Lookup(m.PDU)
				if int(d.Address) != int(r.Start)+m.Offset || d.End() > r.End() {
					t.Fatalf("iteration %d: pdu %d at %d+%d placed outside %v", iter, m.PDU, d.Address, d.Count, r)
				}
				covered[m.PDU]++
			}
		}
		for _, id := range due {
			if covered[id] != 1 {
				t.Fatalf("iteration %d: pdu %d covered %d times", iter, id, covered[id])
			}
		}
		if len(covered) != len(due) {
			t.Fatalf("iteration %d: %d pdus covered, %d due", iter, len(covered), len(due))
		}
	}
}

func TestDue(t *testing.T) {
	table := mustTable(t, []pdu.Descriptor{
		{ID: 1, Address: 1, Type: pdu.U16, Every: 1},
		{ID: 2, Address: 2, Type: pdu.U16, Every: 3},
		{ID: 3, Address: 3, Type: pdu.U16, Every: 0},
	})
	tests := []struct {
		cycle uint64
		want  []uint16
	}{
		{1, []uint16{1, 2}},
		{2, []uint16{1}},
		{3, []uint16{1}},
		{4, []uint16{1, 2}},
		{7, []uint16{1, 2}},
	}
	for _, tt := range tests {
		if got := Due(table, tt.cycle); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Due(%d) = %v, want %v", tt.cycle, got, tt.want)
		}
	}
}
