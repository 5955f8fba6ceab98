// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command appliance-sim answers as the heating appliance on a serial port
// or an RTU-over-TCP socket, for bench testing the poller.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffutop/immergas-modbus/internal/catalog"
	"github.com/ffutop/immergas-modbus/internal/config"
	"github.com/ffutop/immergas-modbus/internal/pdu"
	"github.com/ffutop/immergas-modbus/internal/simulator"
	"github.com/ffutop/immergas-modbus/internal/simulator/persistence"
	"github.com/ffutop/immergas-modbus/transport"
	"github.com/ffutop/immergas-modbus/transport/rtu"
	rtuovertcp "github.com/ffutop/immergas-modbus/transport/rtu-over-tcp"
)

// factory holds the values a fresh register image starts with.
var factory = map[uint16]pdu.Value{
	2000: pdu.Number(pdu.U16, 1),
	2001: pdu.FlagSet(0x03),
	2100: pdu.Number(pdu.Temp, 55),
	2101: pdu.Number(pdu.Temp, 45.5),
	2102: pdu.Number(pdu.Temp, 8.3),
	2103: pdu.Number(pdu.Temp, 48),
	2104: pdu.Number(pdu.U8, 37),
	2105: pdu.Number(pdu.U16, 1.4),
	3000: pdu.Number(pdu.Temp, 60),
	3001: pdu.Number(pdu.Temp, 50),
	3016: pdu.Number(pdu.U32, 12850),
	3018: pdu.Number(pdu.U32, 40211),
}

func main() {
	cfg, err := config.LoadSimulator("appliance-sim", os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Log.Level == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("Simulator stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	table, err := catalog.Load(cfg.Catalog)
	if err != nil {
		return err
	}
	storage, err := persistence.New(cfg.Simulator.Persistence)
	if err != nil {
		return err
	}
	dev, err := simulator.NewDevice(byte(cfg.Simulator.SlaveID), table, storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Error("Failed to save register image", "err", err)
		}
	}()
	seed(dev, table)

	var up transport.Upstream
	if cfg.Simulator.Listen != "" {
		up = rtuovertcp.NewServer(cfg.Simulator.Listen)
	} else {
		up = rtu.NewServer(cfg.Simulator.Serial)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Appliance simulator started", "slave", cfg.Simulator.SlaveID, "persistence", cfg.Simulator.Persistence.Type)
	err = dev.Serve(ctx, up)
	requests, exceptions := dev.Stats()
	slog.Info("Appliance simulator stopped", "requests", requests, "exceptions", exceptions)
	return err
}

// seed fills in factory values for PDUs whose registers are still zero, so
// a persisted image keeps what masters wrote to it.
func seed(dev *simulator.Device, table *pdu.Table) {
	for _, d := range table.Descriptors() {
		v, ok := factory[d.ID]
		if !ok {
			continue
		}
		blank := true
		for a := int(d.Address); a < d.End(); a++ {
			if dev.Registers().Get(uint16(a)) != 0 {
				blank = false
			}
		}
		if !blank {
			continue
		}
		if err := dev.Set(d.ID, v); err != nil {
			slog.Warn("Skipping factory value", "pdu", d.ID, "err", err)
		}
	}
}
