// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vmalloc

import (
	"fmt"
	"runtime"

	"gvisor.dev/vmem/pkg/atomicbitops"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/memory"
)

// AllocatedPages exclusively owns a range of virtual pages of size S.
//
// A token is consumed exactly once: by Release, which returns the range to
// its allocator, by Take, which moves ownership into a new token, or by
// Merge, which moves it into another token. Operations on a consumed token
// fail with ErrTokenConsumed, and Release becomes a no-op.
//
// A live token that becomes unreachable is reclaimed by the garbage
// collector: its range goes back to the allocator and a warning is logged.
// If the token was marked as mapped, page table entries still point into the
// range, so it is reported as leaked instead.
type AllocatedPages[S memory.Size] struct {
	pages memory.PageRange[S]
	state *pagesState
}

// pagesState is the part of a token its cleanup can see. Cleanups must not
// reach the token itself.
type pagesState struct {
	alloc *Allocator

	// r is the owned range. It changes only through Merge.
	r hostarch.AddrRange

	consumed atomicbitops.Bool
	mapped   atomicbitops.Bool
}

func newAllocatedPages[S memory.Size](a *Allocator, c memory.Capability[S], start hostarch.Addr, n uint64) *AllocatedPages[S] {
	page, err := c.PageAt(start)
	if err != nil {
		// The free set only holds aligned, canonical ranges of the region.
		panic(fmt.Sprintf("allocator returned invalid start %v: %v", start, err))
	}
	allocationsMetric.Increment(memory.ClassOf[S]().String())
	p := newToken(a, memory.NewPageRange(page, n))
	if log.IsLogging(log.Debug) {
		log.Debugf("vmalloc: allocated %v", p.pages)
	}
	return p
}

func newToken[S memory.Size](a *Allocator, pages memory.PageRange[S]) *AllocatedPages[S] {
	p := &AllocatedPages[S]{
		pages: pages,
		state: &pagesState{alloc: a, r: pages.AddrRange()},
	}
	runtime.AddCleanup(p, dropped, p.state)
	return p
}

// dropped runs once an unreachable token has been collected.
func dropped(s *pagesState) {
	if s.consumed.Load() {
		return
	}
	droppedMetric.Increment()
	if s.mapped.Load() {
		log.Warningf("vmalloc: pages %v dropped while mapped, leaking them", s.r)
		return
	}
	if !s.consumed.CompareAndSwap(false, true) {
		return
	}
	log.Warningf("vmalloc: pages %v dropped without Release, reclaiming them", s.r)
	s.alloc.release(s.r)
}

// Allocator returns the allocator the pages belong to.
func (p *AllocatedPages[S]) Allocator() *Allocator {
	return p.state.alloc
}

// SetMapped records whether page table entries point into the pages. A
// mapped token that is dropped is not reclaimed.
func (p *AllocatedPages[S]) SetMapped(mapped bool) {
	p.state.mapped.Store(mapped)
}

// Range returns the owned pages.
func (p *AllocatedPages[S]) Range() memory.PageRange[S] {
	return p.pages
}

// Start returns the first owned page.
func (p *AllocatedPages[S]) Start() memory.Page[S] {
	return p.pages.Start()
}

// StartAddress returns the address of the first owned byte.
func (p *AllocatedPages[S]) StartAddress() hostarch.Addr {
	return p.pages.StartAddress()
}

// Count returns the number of owned pages.
func (p *AllocatedPages[S]) Count() uint64 {
	return p.pages.Count()
}

// Bytes returns the length of the owned range in bytes.
func (p *AllocatedPages[S]) Bytes() uint64 {
	return p.pages.Bytes()
}

// Live returns true if the token has not been consumed.
func (p *AllocatedPages[S]) Live() bool {
	return !p.state.consumed.Load()
}

// String implements fmt.Stringer.String.
func (p *AllocatedPages[S]) String() string {
	state := "live"
	if !p.Live() {
		state = "consumed"
	}
	return fmt.Sprintf("AllocatedPages{%v, %s}", p.pages, state)
}

// Release returns the pages to the allocator. It is idempotent, and a no-op
// on a token that was taken or merged.
func (p *AllocatedPages[S]) Release() {
	if !p.state.consumed.CompareAndSwap(false, true) {
		return
	}
	p.state.alloc.release(p.pages.AddrRange())
	if log.IsLogging(log.Debug) {
		log.Debugf("vmalloc: released %v", p.pages)
	}
}

// Take moves ownership of the pages into a new token and consumes p.
func (p *AllocatedPages[S]) Take() (*AllocatedPages[S], error) {
	if !p.state.consumed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("take %v: %w", p.pages, memory.ErrTokenConsumed)
	}
	t := newToken(p.state.alloc, p.pages)
	t.state.mapped.Store(p.state.mapped.Load())
	return t, nil
}

// Merge extends p with the pages owned by other, which must come from the
// same allocator and be virtually contiguous with p, before or after it. On
// success other is consumed; on failure neither token changes.
func (p *AllocatedPages[S]) Merge(other *AllocatedPages[S]) error {
	if p == other {
		return fmt.Errorf("merge %v with itself: %w", p.pages, memory.ErrIncompatible)
	}
	if !p.Live() {
		return fmt.Errorf("merge into %v: %w", p.pages, memory.ErrTokenConsumed)
	}
	if p.state.alloc != other.state.alloc || !p.pages.Adjacent(other.pages) {
		return fmt.Errorf("merge %v with %v: %w", p.pages, other.pages, memory.ErrIncompatible)
	}
	if !other.state.consumed.CompareAndSwap(false, true) {
		return fmt.Errorf("merge %v: %w", other.pages, memory.ErrTokenConsumed)
	}
	p.pages = p.pages.Union(other.pages)
	p.state.r = p.pages.AddrRange()
	return nil
}
