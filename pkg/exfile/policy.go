package exfile

import "fmt"

// ResizePolicy decides how far to grow a file beyond a requested size.
//
// Compute receives the requested size (already validated to be larger than
// the current size), the current logical size, and the file being grown. The
// returned size MUST be >= requested and a multiple of the file's page size;
// results that violate this are discarded and the default page round-up is
// used instead.
//
// Dispose is called exactly once when the owning [File] closes. Policies that
// hold per-file state release it there. A policy instance MUST NOT be shared
// between files unless it is stateless.
type ResizePolicy interface {
	Compute(requested, current int64, f *File) (int64, error)
	Dispose()
}

// PageAlignPolicy grows the file to the requested size rounded up to the next
// page boundary. It is the default policy and is stateless.
type PageAlignPolicy struct{}

// Compute returns requested rounded up to the file's page size.
func (PageAlignPolicy) Compute(requested, _ int64, f *File) (int64, error) {
	return roundUp(requested, f.pageSize), nil
}

// Dispose is a no-op; PageAlignPolicy holds no state.
func (PageAlignPolicy) Dispose() {}

// FibPolicy grows the file by its previous size, so consecutive sizes follow
// a Fibonacci-like progression. Holds per-file state; do not share between
// files.
type FibPolicy struct {
	prevSize int64
}

// NewFibPolicy returns a fresh Fibonacci-like growth policy.
func NewFibPolicy() *FibPolicy {
	return &FibPolicy{}
}

// Compute returns max(requested, current+prevSize) rounded up to the page
// size and records current as the delta of the next growth.
func (p *FibPolicy) Compute(requested, current int64, f *File) (int64, error) {
	delta := p.prevSize
	if delta < f.pageSize {
		delta = f.pageSize
	}

	size := current + delta
	if size < requested {
		size = requested
	}

	size = roundUp(size, f.pageSize)
	p.prevSize = current

	return size, nil
}

// Dispose resets the growth state.
func (p *FibPolicy) Dispose() {
	p.prevSize = 0
}

// RatioPolicy grows the file to current*N/DN (a rational multiplier with
// DN <= N), never below the requested size. Stateless once constructed.
type RatioPolicy struct {
	n  int64
	dn int64
}

// NewRatioPolicy returns a rational-multiplier growth policy.
// Requires 0 < dn <= n; violations surface as ErrResizePolicyFail on Compute.
func NewRatioPolicy(n, dn int64) *RatioPolicy {
	return &RatioPolicy{n: n, dn: dn}
}

// Compute returns max(requested, current*n/dn) rounded up to the page size.
func (p *RatioPolicy) Compute(requested, current int64, f *File) (int64, error) {
	if p.dn <= 0 || p.n < p.dn {
		return 0, fmt.Errorf("ratio %d/%d: %w", p.n, p.dn, ErrResizePolicyFail)
	}

	size := current * p.n / p.dn
	if size < requested {
		size = requested
	}

	return roundUp(size, f.pageSize), nil
}

// Dispose is a no-op; RatioPolicy holds no per-file state.
func (*RatioPolicy) Dispose() {}

// roundUp rounds x up to the next multiple of align (a power of two).
func roundUp(x, align int64) int64 {
	return (x + align - 1) &^ (align - 1)
}
