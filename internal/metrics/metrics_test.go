// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ffutop/immergas-modbus/internal/pdu"
	"github.com/ffutop/immergas-modbus/internal/scheduler"
	"github.com/ffutop/immergas-modbus/internal/transaction"
)

// sample returns the value of the series of family name whose labels
// include want.
func sample(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) (float64, bool) {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue next
				}
			}
			switch {
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func newExporter(t *testing.T) (*Exporter, *prometheus.Registry) {
	t.Helper()
	table, err := pdu.NewTable([]pdu.Descriptor{
		{ID: 2100, Name: "flow_temperature", Address: 2100, Type: pdu.Temp, Decimals: 1, Every: 1},
		{ID: 2001, Name: "status_flags", Address: 2001, Type: pdu.Flag8, Every: 1},
		{ID: 3016, Name: "burner_hours", Address: 3016, Type: pdu.U32, Every: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	e, err := New(table, reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, reg
}

func TestPollComplete(t *testing.T) {
	e, reg := newExporter(t)
	t0 := time.Unix(1700000000, 0)

	e.PollComplete(scheduler.Cycle{
		Number:   1,
		Started:  t0,
		Finished: t0.Add(400 * time.Millisecond),
		Ranges:   3,
		Values: []pdu.Reading{
			{PDU: 2100, Value: pdu.Number(pdu.Temp, 55)},
			{PDU: 2001, Value: pdu.FlagSet(0x05)},
		},
		Failures: []*transaction.Error{
			{Kind: transaction.Timeout, Op: transaction.OpRead, PDUs: []uint16{3016}},
		},
	})

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"heatbus_pdu_value", map[string]string{"pdu": "2100", "name": "flow_temperature"}, 55},
		{"heatbus_pdu_flag", map[string]string{"pdu": "2001", "bit": "0"}, 1},
		{"heatbus_pdu_flag", map[string]string{"pdu": "2001", "bit": "1"}, 0},
		{"heatbus_pdu_flag", map[string]string{"pdu": "2001", "bit": "2"}, 1},
		{"heatbus_pdu_stale", map[string]string{"pdu": "3016", "name": "burner_hours"}, 1},
		{"heatbus_pdu_stale", map[string]string{"pdu": "2100"}, 0},
		{"heatbus_transactions_total", map[string]string{"op": "read", "result": "ok"}, 2},
		{"heatbus_transactions_total", map[string]string{"op": "read", "result": "timeout"}, 1},
		{"heatbus_cycle_duration_seconds", nil, 1},
		{"heatbus_last_cycle_timestamp_seconds", nil, float64(t0.Unix())},
	}
	for _, tt := range tests {
		got, ok := sample(t, reg, tt.name, tt.labels)
		if !ok {
			t.Errorf("%s%v missing", tt.name, tt.labels)
			continue
		}
		if got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestWriteComplete(t *testing.T) {
	e, reg := newExporter(t)

	e.WriteComplete(pdu.Reading{PDU: 3000}, nil)
	e.WriteComplete(pdu.Reading{PDU: 3000}, &transaction.Error{Kind: transaction.DeviceException})
	e.WriteComplete(pdu.Reading{PDU: 3000}, errors.New("stopped"))

	for result, want := range map[string]float64{"ok": 1, "device exception": 1, "error": 1} {
		got, ok := sample(t, reg, "heatbus_transactions_total", map[string]string{"op": "write", "result": result})
		if !ok || got != want {
			t.Errorf("write %s = %v, %v", result, got, ok)
		}
	}
}

func TestDuplicateRegistration(t *testing.T) {
	_, reg := newExporter(t)
	table, _ := pdu.NewTable(nil)
	if _, err := New(table, reg); err == nil {
		t.Fatal("second exporter registered on the same registry")
	}
}
