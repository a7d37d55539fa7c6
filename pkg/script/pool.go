package script

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
)

// vmPool hands out sandboxed runtimes. A goja.Runtime is not safe for concurrent
// use, so each call holds one runtime exclusively.
type vmPool struct {
	pool         chan *goja.Runtime
	sandbox      *sandbox
	maxSize      int
	currentSize  int32
	totalCreated int64
	mu           sync.Mutex
	closed       bool
}

func newVMPool(maxSize int, sb *sandbox) *vmPool {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &vmPool{
		pool:    make(chan *goja.Runtime, maxSize),
		sandbox: sb,
		maxSize: maxSize,
	}
}

// acquire returns an idle runtime, creates one while below capacity, or waits
func (p *vmPool) acquire(ctx context.Context) (*goja.Runtime, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is closed")
	}
	p.mu.Unlock()

	select {
	case vm := <-p.pool:
		return vm, nil
	default:
	}

	if atomic.AddInt32(&p.currentSize, 1) <= int32(p.maxSize) {
		vm, err := p.createVM()
		if err != nil {
			atomic.AddInt32(&p.currentSize, -1)
			return nil, err
		}
		return vm, nil
	}
	atomic.AddInt32(&p.currentSize, -1)

	select {
	case vm, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		return vm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns vm to the pool
func (p *vmPool) release(vm *goja.Runtime) {
	vm.ClearInterrupt()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		atomic.AddInt32(&p.currentSize, -1)
		return
	}

	select {
	case p.pool <- vm:
	default:
		atomic.AddInt32(&p.currentSize, -1)
	}
}

func (p *vmPool) createVM() (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := p.sandbox.apply(vm); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}

	atomic.AddInt64(&p.totalCreated, 1)
	return vm, nil
}

// close drops every idle runtime
func (p *vmPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.pool)
	for range p.pool {
		atomic.AddInt32(&p.currentSize, -1)
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	CurrentSize  int   `json:"current_size"`
	MaxSize      int   `json:"max_size"`
	TotalCreated int64 `json:"total_created"`
	Available    int   `json:"available"`
}

func (p *vmPool) stats() PoolStats {
	return PoolStats{
		CurrentSize:  int(atomic.LoadInt32(&p.currentSize)),
		MaxSize:      p.maxSize,
		TotalCreated: atomic.LoadInt64(&p.totalCreated),
		Available:    len(p.pool),
	}
}
