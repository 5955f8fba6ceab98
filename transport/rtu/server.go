// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/ffutop/immergas-modbus/internal/config"
	"github.com/ffutop/immergas-modbus/modbus"
	"github.com/ffutop/immergas-modbus/modbus/crc"
	rtupacket "github.com/ffutop/immergas-modbus/modbus/rtu"
	"github.com/ffutop/immergas-modbus/transport"
)

// Server answers as a slave on a serial line. The appliance simulator uses
// it to stand in for the real device.
type Server struct {
	Config config.SerialConfig

	open opener
}

var _ transport.Upstream = (*Server)(nil)

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig) *Server {
	return &Server{
		Config: cfg,
		open:   openSerial,
	}
}

// Start opens the port and serves requests until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	spConfig := SerialConfig(s.Config)
	port, err := s.open(&spConfig)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	defer port.Close()
	slog.Info("RTU Server listening", "device", s.Config.Device)

	// handle close
	go func() {
		<-ctx.Done()
		port.Close()
	}()

	return s.scanLoop(ctx, port, handler)
}

func (s *Server) scanLoop(ctx context.Context, port io.ReadWriter, handler transport.RequestHandler) error {
	buf := make([]byte, rtupacket.MaxSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Read 1 byte to unblock
		n, err := port.Read(buf[:1])
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		// 7 bytes cover the byte count of a 0x10 request.
		current := readInto(port, buf, 1, 7)
		if current < 2 {
			continue
		}

		expectedLen, err := rtupacket.CalculateRequestLength(buf[1], buf[:current])
		if err != nil {
			slog.Debug("discarding request", "err", err, "data", hex.EncodeToString(buf[:current]))
			continue
		}
		if expectedLen > len(buf) {
			continue
		}
		// The header read may have gone past a short frame.
		if current < expectedLen {
			current = readInto(port, buf, current, expectedLen)
		}
		if current != expectedLen {
			continue
		}

		adu, err := rtupacket.Decode(buf[:expectedLen])
		if err != nil {
			slog.Debug("discarding request", "err", err)
			continue
		}

		resp, err := handler(ctx, adu.SlaveID, modbus.ProtocolDataUnit{
			FunctionCode: adu.Pdu.FunctionCode,
			Data:         append([]byte(nil), adu.Pdu.Data...),
		})
		if err != nil {
			slog.Error("request handler failed", "err", err)
			continue
		}
		if resp == nil {
			continue
		}

		out := make([]byte, 0, len(resp.Data)+4)
		out = append(out, adu.SlaveID, resp.FunctionCode)
		out = append(out, resp.Data...)
		if _, err := port.Write(crc.Append(out)); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
}

// readInto reads until buf[:want] is filled or a read fails, and returns the
// number of bytes held.
func readInto(r io.Reader, buf []byte, have, want int) int {
	for have < want {
		n, err := r.Read(buf[have:want])
		have += n
		if err != nil {
			break
		}
	}
	return have
}

func (s *Server) Close() error {
	return nil
}
