// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package persistence

import (
	"path/filepath"
	"testing"

	"github.com/ffutop/immergas-modbus/internal/config"
)

func TestPersistAcrossReopen(t *testing.T) {
	tests := []struct {
		name string
		open func(path string) Storage
	}{
		{"File", func(path string) Storage { return NewFileStorage(path) }},
		{"Mmap", func(path string) Storage { return NewMmapStorage(path) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "registers.bin")

			s := tt.open(path)
			m, err := s.Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if err := m.Write(3000, 2, []byte{0x01, 0xE5, 0x02, 0x1C}); err != nil {
				t.Fatal(err)
			}
			s.OnWrite(3000, 2)
			if err := s.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			s = tt.open(path)
			defer s.Close()
			m, err = s.Load()
			if err != nil {
				t.Fatalf("reload error = %v", err)
			}
			if got := m.Get(3000); got != 0x01E5 {
				t.Errorf("register 3000 = %#x, want 0x1e5", got)
			}
			if got := m.Get(3001); got != 0x021C {
				t.Errorf("register 3001 = %#x, want 0x21c", got)
			}
		})
	}
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	m, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	m.Set(10, 1)
	s.OnWrite(10, 1)
	if err := s.Save(m); err != nil {
		t.Fatal(err)
	}
	m, _ = s.Load()
	if m.Get(10) != 0 {
		t.Error("memory storage kept data across Load")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     config.PersistenceConfig
		want    string
		wantErr bool
	}{
		{config.PersistenceConfig{}, "*persistence.MemoryStorage", false},
		{config.PersistenceConfig{Type: "file", Path: "x"}, "*persistence.FileStorage", false},
		{config.PersistenceConfig{Type: "mmap", Path: "x"}, "*persistence.MmapStorage", false},
		{config.PersistenceConfig{Type: "sql"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			s, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v", err)
			}
			if err == nil {
				if got := typeName(s); got != tt.want {
					t.Errorf("New() = %s, want %s", got, tt.want)
				}
			}
		})
	}
}
