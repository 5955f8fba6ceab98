// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package catalog loads the PDU table from YAML.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ffutop/immergas-modbus/internal/pdu"
)

//go:embed default.yaml
var defaultCatalog []byte

// Entry is one PDU as written in a catalog file.
type Entry struct {
	ID       uint16  `yaml:"id"`
	Name     string  `yaml:"name"`
	Address  *uint16 `yaml:"address"`
	Type     string  `yaml:"type"`
	Decimals int     `yaml:"decimals"`
	Access   string  `yaml:"access"`
	Unit     string  `yaml:"unit"`
	HighByte bool    `yaml:"high_byte"`
	Every    *int    `yaml:"every"`
}

type file struct {
	PDUs []Entry `yaml:"pdus"`
}

// Descriptor converts the entry. The address defaults to the id and the
// poll divisor to 1.
func (e Entry) Descriptor() (pdu.Descriptor, error) {
	typ, err := pdu.ParseDataType(e.Type)
	if err != nil {
		return pdu.Descriptor{}, fmt.Errorf("pdu %d: %w", e.ID, err)
	}
	access, err := pdu.ParseAccess(e.Access)
	if err != nil {
		return pdu.Descriptor{}, fmt.Errorf("pdu %d: %w", e.ID, err)
	}
	d := pdu.Descriptor{
		ID:       e.ID,
		Name:     e.Name,
		Unit:     e.Unit,
		Address:  e.ID,
		Type:     typ,
		Decimals: e.Decimals,
		Access:   access,
		HighByte: e.HighByte,
		Every:    1,
	}
	if e.Address != nil {
		d.Address = *e.Address
	}
	if e.Every != nil {
		d.Every = *e.Every
	}
	if e.HighByte && typ != pdu.Flag8 && typ != pdu.U8 {
		return pdu.Descriptor{}, fmt.Errorf("pdu %d: high_byte only applies to flag8 and u8", e.ID)
	}
	return d, nil
}

// Parse reads a catalog document. Unknown keys are rejected.
func Parse(r io.Reader) (*pdu.Table, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("catalog: empty document")
		}
		return nil, fmt.Errorf("catalog: %w", err)
	}
	descs := make([]pdu.Descriptor, 0, len(f.PDUs))
	for _, e := range f.PDUs {
		d, err := e.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		descs = append(descs, d)
	}
	table, err := pdu.NewTable(descs)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return table, nil
}

// Load reads the catalog at path. An empty path yields the built-in table.
func Load(path string) (*pdu.Table, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Default returns the built-in table.
func Default() (*pdu.Table, error) {
	return Parse(bytes.NewReader(defaultCatalog))
}
