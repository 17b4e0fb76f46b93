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

package mm

import (
	"fmt"

	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/metric"
	"gvisor.dev/vmem/pkg/pgalloc"
	"gvisor.dev/vmem/pkg/ring0/pagetables"
	"gvisor.dev/vmem/pkg/vmalloc"
)

var (
	mapsMetric        = metric.MustCreateNewUint64Metric("/vmem/mm/maps", true /* sync */, "Number of mappings created.", metric.SizeClassField)
	unmapsMetric      = metric.MustCreateNewUint64Metric("/vmem/mm/unmaps", true /* sync */, "Number of mappings unmapped.", metric.SizeClassField)
	mapFailuresMetric = metric.MustCreateNewUint64Metric("/vmem/mm/map_failures", true /* sync */, "Number of mapping attempts that failed.", metric.SizeClassField)
	mappedBytesMetric = metric.MustCreateNewUint64Metric("/vmem/mm/mapped_bytes", true /* sync */, "Number of bytes mapped.", metric.SizeClassField)
)

// MapAllocatedPagesTo maps pages onto frames in as.
//
// On success both tokens are consumed and ownership moves into the returned
// MappedPages. On failure neither token is touched: the caller still owns
// them and must release them.
func MapAllocatedPagesTo[S memory.Size](as *AddressSpace, pages *vmalloc.AllocatedPages[S], frames *pgalloc.AllocatedFrames[S], opts pagetables.MapOpts) (*MappedPages[S], error) {
	class := memory.ClassOf[S]().String()
	m, err := mapAllocatedPagesTo(as, pages, frames, opts)
	if err != nil {
		mapFailuresMetric.Increment(class)
		return nil, err
	}
	mapsMetric.Increment(class)
	mappedBytesMetric.IncrementBy(m.Bytes(), class)
	if log.IsLogging(log.Debug) {
		log.Debugf("mm: mapped %v", m)
	}
	return m, nil
}

func mapAllocatedPagesTo[S memory.Size](as *AddressSpace, pages *vmalloc.AllocatedPages[S], frames *pgalloc.AllocatedFrames[S], opts pagetables.MapOpts) (*MappedPages[S], error) {
	if !pages.Live() {
		return nil, fmt.Errorf("map %v: %w", pages, memory.ErrTokenConsumed)
	}
	if !frames.Live() {
		return nil, fmt.Errorf("map %v: %w", frames, memory.ErrTokenConsumed)
	}
	if pages.Count() != frames.Count() {
		return nil, fmt.Errorf("map %d pages onto %d frames: %w", pages.Count(), frames.Count(), memory.ErrCountMismatch)
	}
	if frames.Allocator().MemoryFile() != as.frames.MemoryFile() {
		return nil, fmt.Errorf("map %v: frames belong to another memory file: %w", frames, memory.ErrIncompatible)
	}
	if err := as.acquire(); err != nil {
		return nil, err
	}
	c := memory.ClassOf[S]()
	if err := as.pageTables.Map(pages.StartAddress(), pages.Count(), c, frames.StartAddress(), opts); err != nil {
		as.drop(1)
		return nil, fmt.Errorf("map %v onto %v: %w", pages, frames, err)
	}

	// The tables now point at the frames, so ownership is moved only after
	// the mapping is in place.
	ownedPages, err := pages.Take()
	if err != nil {
		as.pageTables.Unmap(pages.StartAddress(), pages.Count(), c)
		as.drop(1)
		return nil, err
	}
	ownedFrames, err := frames.Take()
	if err != nil {
		as.pageTables.Unmap(pages.StartAddress(), pages.Count(), c)
		as.drop(1)
		// frames was consumed concurrently with the mapping, which only a
		// racing caller can do. The pages are no longer reachable through
		// the caller's token, so they go back to the allocator.
		ownedPages.Release()
		return nil, err
	}
	ownedPages.SetMapped(true)
	ownedFrames.SetMapped(true)
	return &MappedPages[S]{
		as:     as,
		pages:  ownedPages,
		frames: []*pgalloc.AllocatedFrames[S]{ownedFrames},
		opts:   opts,
	}, nil
}

// MapAllocatedPages maps pages onto freshly allocated frames. If mapping
// fails, the frames are released and pages is left untouched.
func MapAllocatedPages[S memory.Size](as *AddressSpace, pages *vmalloc.AllocatedPages[S], opts pagetables.MapOpts) (*MappedPages[S], error) {
	if !pages.Live() {
		return nil, fmt.Errorf("map %v: %w", pages, memory.ErrTokenConsumed)
	}
	c, err := memory.Require[S](as.sizes)
	if err != nil {
		return nil, err
	}
	frames, err := pgalloc.AllocateFrames(as.frames, c, pages.Count())
	if err != nil {
		mapFailuresMetric.Increment(memory.ClassOf[S]().String())
		return nil, err
	}
	m, err := MapAllocatedPagesTo(as, pages, frames, opts)
	if err != nil {
		frames.Release()
		return nil, err
	}
	return m, nil
}
