// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"io"
	"sync"
)

// pumpChunk is the size of a single read from the underlying reader.
const pumpChunk = 256

// Pump moves bytes from a blocking reader into a buffer that can be drained
// without blocking. It stops at the first read error that retry does not
// accept.
type Pump struct {
	mu   sync.Mutex
	buf  []byte
	err  error
	done chan struct{}
}

// StartPump reads r in a goroutine until it fails. Errors for which retry
// returns true are skipped, which lets serial read timeouts pass.
func StartPump(r io.Reader, retry func(error) bool) *Pump {
	p := &Pump{done: make(chan struct{})}
	go p.run(r, retry)
	return p
}

func (p *Pump) run(r io.Reader, retry func(error) bool) {
	defer close(p.done)
	chunk := make([]byte, pumpChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			p.buf = append(p.buf, chunk[:n]...)
			p.mu.Unlock()
		}
		if err == nil || (retry != nil && retry(err)) {
			continue
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		return
	}
}

// Drain returns and clears the buffered bytes.
func (p *Pump) Drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		return nil
	}
	out := p.buf
	p.buf = nil
	return out
}

// Err returns the error that stopped the pump, or nil while it runs.
func (p *Pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed when the pump stops.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}
