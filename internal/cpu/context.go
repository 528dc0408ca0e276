// Package cpu holds the float32 compute kernels behind the ViT layers.
package cpu

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-lens/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordScratchMemory(newVal)
}

// AllocatedBytes is the size of all scratch buffers created by any Context
// and not yet freed.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Context pools scratch buffers by length. Kernels borrow im2col and
// intermediate buffers from it; results are always freshly allocated
// tensors owned by the caller.
type Context struct {
	mu   sync.Mutex
	pool map[int][][]float32
}

func NewContext() *Context {
	return &Context{
		pool: make(map[int][][]float32),
	}
}

// Scratch returns a zeroed buffer of length n.
func (c *Context) Scratch(n int) []float32 {
	c.mu.Lock()
	bufs := c.pool[n]
	if len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		c.pool[n] = bufs[:len(bufs)-1]
		c.mu.Unlock()
		clear(buf)
		return buf
	}
	c.mu.Unlock()
	traceAlloc(int64(n) * 4)
	return make([]float32, n)
}

// Release hands a Scratch buffer back for reuse.
func (c *Context) Release(buf []float32) {
	if buf == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool[len(buf)] = append(c.pool[len(buf)], buf)
}

// Pooled counts idle buffers.
func (c *Context) Pooled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, bufs := range c.pool {
		n += len(bufs)
	}
	return n
}

// Free drops every idle buffer.
func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n, bufs := range c.pool {
		traceAlloc(-int64(n) * 4 * int64(len(bufs)))
	}
	c.pool = make(map[int][][]float32)
}

// minGrain keeps tiny row loops on the calling goroutine.
const minGrain = 8

// parallelFor splits [0, n) into contiguous chunks, one per CPU.
func parallelFor(n int, fn func(start, end int)) {
	if n <= minGrain {
		fn(0, n)
		return
	}
	workers := runtime.NumCPU()
	chunk := max((n+workers-1)/workers, minGrain)
	var g errgroup.Group
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			fn(start, end)
			return nil
		})
	}
	_ = g.Wait()
}

func timeKernel(name string, start time.Time) {
	metrics.RecordKernelDuration(name, time.Since(start))
}
