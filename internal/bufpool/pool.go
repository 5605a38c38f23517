// Package bufpool pools byte buffers in a fixed set of size classes.
package bufpool

import (
	"slices"
	"sync"
)

// Pool hands out buffers from the smallest size class that fits a request.
// Requests larger than the largest class are allocated and never pooled.
type Pool struct {
	sizes []int
	pools []sync.Pool
}

// New creates a pool with the given size classes. Sizes must be positive
// and distinct; their order does not matter.
func New(sizes ...int) *Pool {
	if len(sizes) == 0 {
		panic("bufpool: no size classes")
	}
	sorted := slices.Clone(sizes)
	slices.Sort(sorted)
	for i, s := range sorted {
		if s <= 0 {
			panic("bufpool: size classes must be positive")
		}
		if i > 0 && sorted[i-1] == s {
			panic("bufpool: duplicate size class")
		}
	}

	p := &Pool{sizes: sorted, pools: make([]sync.Pool, len(sorted))}
	for i, size := range sorted {
		p.pools[i].New = func() any {
			return make([]byte, size)
		}
	}
	return p
}

// class returns the index of the smallest class holding n bytes, or -1.
func (p *Pool) class(n int) int {
	i, _ := slices.BinarySearch(p.sizes, n)
	if i == len(p.sizes) {
		return -1
	}
	return i
}

// Get returns a buffer of length n. Its capacity is the size class chosen
// for n, or exactly n when n exceeds every class.
func (p *Pool) Get(n int) []byte {
	if n < 0 {
		n = 0
	}
	i := p.class(n)
	if i < 0 {
		return make([]byte, n)
	}
	buf := p.pools[i].Get().([]byte)
	return buf[:n]
}

// Put returns buf for reuse. Buffers whose capacity is not exactly one of
// the size classes are dropped.
func (p *Pool) Put(buf []byte) {
	i, found := slices.BinarySearch(p.sizes, cap(buf))
	if !found {
		return
	}
	p.pools[i].Put(buf[:cap(buf)])
}

// MaxSize returns the largest pooled size.
func (p *Pool) MaxSize() int {
	return p.sizes[len(p.sizes)-1]
}
