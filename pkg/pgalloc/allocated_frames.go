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

package pgalloc

import (
	"fmt"
	"runtime"

	"gvisor.dev/vmem/pkg/atomicbitops"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/memory"
)

// AllocatedFrames exclusively owns a run of physically contiguous frames of
// size S. Like vmalloc.AllocatedPages it is consumed exactly once, by
// Release or Take, and a live token that is collected is reclaimed unless it
// is marked as mapped.
type AllocatedFrames[S memory.Size] struct {
	frames memory.FrameRange[S]
	state  *framesState
}

// framesState is the part of a token its cleanup can see.
type framesState struct {
	alloc    *Allocator
	r        Range
	consumed atomicbitops.Bool
	mapped   atomicbitops.Bool
}

func newFramesToken[S memory.Size](a *Allocator, frames memory.FrameRange[S]) *AllocatedFrames[S] {
	start := frames.StartAddress()
	f := &AllocatedFrames[S]{
		frames: frames,
		state:  &framesState{alloc: a, r: Range{Start: start, End: start + uintptr(frames.Bytes())}},
	}
	runtime.AddCleanup(f, droppedFrames, f.state)
	return f
}

// droppedFrames runs once an unreachable token has been collected.
func droppedFrames(s *framesState) {
	if s.consumed.Load() {
		return
	}
	droppedMetric.Increment()
	if s.mapped.Load() {
		log.Warningf("pgalloc: frames %v dropped while mapped, leaking them", s.r)
		return
	}
	if !s.consumed.CompareAndSwap(false, true) {
		return
	}
	log.Warningf("pgalloc: frames %v dropped without Release, reclaiming them", s.r)
	s.alloc.release(s.r)
}

func newAllocatedFrames[S memory.Size](a *Allocator, c memory.Capability[S], phys uintptr, count uint64) *AllocatedFrames[S] {
	frame, err := c.FrameAt(phys)
	if err != nil {
		panic(fmt.Sprintf("allocator returned invalid frame %#x: %v", phys, err))
	}
	allocationsMetric.Increment(memory.ClassOf[S]().String())
	return newFramesToken(a, memory.NewFrameRange(frame, count))
}

// Allocator returns the allocator the frames belong to.
func (f *AllocatedFrames[S]) Allocator() *Allocator {
	return f.state.alloc
}

// SetMapped records whether page table entries point at the frames. A
// mapped token that is dropped is not reclaimed.
func (f *AllocatedFrames[S]) SetMapped(mapped bool) {
	f.state.mapped.Store(mapped)
}

// Range returns the owned frames.
func (f *AllocatedFrames[S]) Range() memory.FrameRange[S] {
	return f.frames
}

// Start returns the first owned frame.
func (f *AllocatedFrames[S]) Start() memory.Frame[S] {
	return f.frames.Start()
}

// StartAddress returns the physical address of the first owned byte.
func (f *AllocatedFrames[S]) StartAddress() uintptr {
	return f.frames.StartAddress()
}

// Count returns the number of owned frames.
func (f *AllocatedFrames[S]) Count() uint64 {
	return f.frames.Count()
}

// Bytes returns the number of owned bytes.
func (f *AllocatedFrames[S]) Bytes() uint64 {
	return f.frames.Bytes()
}

// Live returns true if the token has not been consumed.
func (f *AllocatedFrames[S]) Live() bool {
	return !f.state.consumed.Load()
}

// Slice returns the contents of the frames.
func (f *AllocatedFrames[S]) Slice() ([]byte, error) {
	if !f.Live() {
		return nil, fmt.Errorf("frames %v: %w", f.frames, memory.ErrTokenConsumed)
	}
	return f.state.alloc.mf.Slice(f.frames.StartAddress(), f.frames.Bytes())
}

// String implements fmt.Stringer.String.
func (f *AllocatedFrames[S]) String() string {
	state := "live"
	if !f.Live() {
		state = "consumed"
	}
	return fmt.Sprintf("AllocatedFrames{%v, %s}", f.frames, state)
}

// Release zeroes the frames and returns them to the allocator. It is
// idempotent, and a no-op on a token that was taken.
func (f *AllocatedFrames[S]) Release() {
	if !f.state.consumed.CompareAndSwap(false, true) {
		return
	}
	f.state.alloc.release(f.state.r)
}

// Take moves ownership of the frames into a new token and consumes f.
func (f *AllocatedFrames[S]) Take() (*AllocatedFrames[S], error) {
	if !f.state.consumed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("take %v: %w", f.frames, memory.ErrTokenConsumed)
	}
	t := newFramesToken(f.state.alloc, f.frames)
	t.state.mapped.Store(f.state.mapped.Load())
	return t, nil
}
