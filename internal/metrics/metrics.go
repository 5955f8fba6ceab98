// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exports decoded register values and bus statistics to
// Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ffutop/immergas-modbus/internal/pdu"
	"github.com/ffutop/immergas-modbus/internal/scheduler"
	"github.com/ffutop/immergas-modbus/internal/transaction"
)

const namespace = "heatbus"

// Exporter implements scheduler.Sink by updating Prometheus collectors.
type Exporter struct {
	table *pdu.Table

	value        *prometheus.GaugeVec
	flag         *prometheus.GaugeVec
	stale        *prometheus.GaugeVec
	transactions *prometheus.CounterVec
	cycle        prometheus.Histogram
	lastCycle    prometheus.Gauge
}

var _ scheduler.Sink = (*Exporter)(nil)

// New creates the collectors and registers them with reg.
func New(table *pdu.Table, reg prometheus.Registerer) (*Exporter, error) {
	e := &Exporter{
		table: table,
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pdu_value",
			Help:      "Last decoded value of a numeric PDU, in its physical unit.",
		}, []string{"pdu", "name"}),
		flag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pdu_flag",
			Help:      "Last decoded state of one bit of a flag PDU.",
		}, []string{"pdu", "name", "bit"}),
		stale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pdu_stale",
			Help:      "1 when the latest read of the PDU failed.",
		}, []string{"pdu", "name"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Bus transactions by operation and outcome.",
		}, []string{"op", "result"}),
		cycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time from the first request to the last response of a poll cycle.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the latest poll cycle finished.",
		}),
	}
	for _, c := range []prometheus.Collector{e.value, e.flag, e.stale, e.transactions, e.cycle, e.lastCycle} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Exporter) labels(id uint16) (string, string) {
	name := ""
	if d, err := e.table.Lookup(id); err == nil {
		name = d.Name
	}
	return strconv.Itoa(int(id)), name
}

func (e *Exporter) PollComplete(c scheduler.Cycle) {
	for _, r := range c.Values {
		id, name := e.labels(r.PDU)
		if r.Value.Type == pdu.Flag8 {
			for bit := 0; bit < 8; bit++ {
				v := 0.0
				if r.Value.Flags.Bit(bit) {
					v = 1
				}
				e.flag.WithLabelValues(id, name, strconv.Itoa(bit)).Set(v)
			}
		} else {
			e.value.WithLabelValues(id, name).Set(r.Value.Number)
		}
		e.stale.WithLabelValues(id, name).Set(0)
	}
	for _, f := range c.Failures {
		for _, pid := range f.PDUs {
			id, name := e.labels(pid)
			e.stale.WithLabelValues(id, name).Set(1)
		}
		e.transactions.WithLabelValues(f.Op.String(), f.Kind.String()).Inc()
	}
	if ok := c.Ranges - len(c.Failures); ok > 0 {
		e.transactions.WithLabelValues(transaction.OpRead.String(), "ok").Add(float64(ok))
	}
	if !c.Finished.IsZero() {
		e.cycle.Observe(c.Finished.Sub(c.Started).Seconds())
		e.lastCycle.Set(float64(c.Finished.Unix()))
	}
}

func (e *Exporter) WriteComplete(r pdu.Reading, err error) {
	result := "ok"
	var terr *transaction.Error
	switch {
	case errors.As(err, &terr):
		result = terr.Kind.String()
	case err != nil:
		result = "error"
	}
	e.transactions.WithLabelValues(transaction.OpWrite.String(), result).Inc()
}

// Serve exposes the gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
