// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/ffutop/immergas-modbus/internal/catalog"
	"github.com/ffutop/immergas-modbus/internal/config"
	"github.com/ffutop/immergas-modbus/internal/metrics"
	"github.com/ffutop/immergas-modbus/internal/pdu"
	"github.com/ffutop/immergas-modbus/internal/scheduler"
	"github.com/ffutop/immergas-modbus/internal/store"
	"github.com/ffutop/immergas-modbus/internal/transaction"
	"github.com/ffutop/immergas-modbus/transport"
	"github.com/ffutop/immergas-modbus/transport/gpio"
	"github.com/ffutop/immergas-modbus/transport/rtu"
	rtuovertcp "github.com/ffutop/immergas-modbus/transport/rtu-over-tcp"
)

func main() {
	// Load Configuration
	cfg, err := config.Load("heatbus", os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	slog.Info("Starting heating appliance poller...", "config", cfg.ConfigFile)

	table, err := catalog.Load(cfg.Catalog)
	if err != nil {
		slog.Error("Failed to load PDU catalog", "err", err)
		os.Exit(1)
	}

	link := openLink(cfg.Transport)
	defer link.Close()

	var dir transaction.DirectionControl
	if d := cfg.Transport.Direction; d.Chip != "" {
		p, err := gpio.Open(d.Chip, d.Line, d.ActiveHigh)
		if err != nil {
			slog.Error("Failed to open direction pin", "err", err)
			os.Exit(1)
		}
		defer p.Close()
		dir = p
	}

	bus := transaction.NewBus(link, dir, nil, transaction.Options{
		SlaveID:           byte(cfg.Bus.SlaveID),
		ReadTimeout:       cfg.Bus.ReadTimeout,
		WriteTimeout:      cfg.Bus.WriteTimeout,
		Attempts:          cfg.Bus.Attempts,
		PreTransmitGuard:  cfg.Bus.PreTransmitGuard,
		PostTransmitGuard: cfg.Bus.PostTransmitGuard,
		BaudRate:          cfg.Transport.Serial.BaudRate,
		CharBits:          cfg.Transport.Serial.CharBits(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	st := store.New()
	sinks := scheduler.Multi{st}
	if cfg.Metrics.Address != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exp, err := metrics.New(table, reg)
		if err != nil {
			slog.Error("Failed to register metrics", "err", err)
			os.Exit(1)
		}
		sinks = append(sinks, exp)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.Metrics.Address, reg); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Metrics endpoint stopped with error", "err", err)
			}
		}()
	}

	sched := scheduler.New(scheduler.Config{
		Interval:      cfg.Poll.Interval,
		MaxRangeCount: cfg.Poll.MaxRangeCount,
	}, table, bus, sinks)

	for _, w := range cfg.Writes {
		if err := submitWrite(sched, table, w); err != nil {
			slog.Error("Rejected startup write", "write", w, "err", err)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx, cfg.Poll.Tick)
	}()

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()
	wg.Wait()
	for _, e := range st.Snapshot() {
		slog.Info("Last value", "pdu", e.PDU, "name", e.Name, "value", e.Value, "stale", e.Stale)
	}
	slog.Info("Goodbye.")
}

func openLink(cfg config.TransportConfig) transport.Link {
	if cfg.Type == "rtu-over-tcp" {
		slog.Info("Using RTU over TCP", "addr", cfg.Tcp.Address)
		return rtuovertcp.NewConn(cfg.Tcp.Address, cfg.Tcp.DialTimeout)
	}
	slog.Info("Using serial port", "device", cfg.Serial.Device, "baud", cfg.Serial.BaudRate)
	return rtu.NewPort(cfg.Serial)
}

// submitWrite queues an "id=value" assignment and logs its outcome.
func submitWrite(sched *scheduler.Scheduler, table *pdu.Table, assignment string) error {
	idText, valueText, ok := strings.Cut(assignment, "=")
	if !ok {
		return fmt.Errorf("expected id=value")
	}
	id, err := strconv.ParseUint(strings.TrimSpace(idText), 10, 16)
	if err != nil {
		return fmt.Errorf("bad pdu id: %w", err)
	}
	desc, err := table.Lookup(uint16(id))
	if err != nil {
		return err
	}
	v, err := pdu.ParseValue(desc, strings.TrimSpace(valueText))
	if err != nil {
		return err
	}
	done, err := sched.Submit(desc.ID, v)
	if err != nil {
		return err
	}
	go func() {
		if err := <-done; err != nil {
			slog.Error("Startup write failed", "pdu", desc.ID, "err", err)
		}
	}()
	return nil
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
