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

// Package boot brings up the memory subsystem: it turns a configuration into
// simulated physical memory, the frame and virtual range allocators, the
// machine whose CPUs take part in TLB shootdowns, and the kernel address
// space.
package boot

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmem/pkg/cleanup"
	"gvisor.dev/vmem/pkg/config"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/metric"
	"gvisor.dev/vmem/pkg/mm"
	"gvisor.dev/vmem/pkg/pgalloc"
	"gvisor.dev/vmem/pkg/ring0/pagetables"
	"gvisor.dev/vmem/pkg/segment"
	"gvisor.dev/vmem/pkg/tlb"
	"gvisor.dev/vmem/pkg/vmalloc"
)

// Kernel is a running memory subsystem.
type Kernel struct {
	// The following fields are immutable after New.
	Conf         *config.Config
	Sizes        *memory.Sizes
	MemoryFile   *pgalloc.MemoryFile
	Frames       *pgalloc.Allocator
	Heap         *vmalloc.Allocator
	Machine      *tlb.Machine
	PCIDs        *pagetables.PCIDs
	AddressSpace *mm.AddressSpace
}

// current is the most recently booted kernel. It backs the gauges below.
var current atomic.Pointer[Kernel]

func gauge(f func(k *Kernel) uint64) func(...string) uint64 {
	return func(...string) uint64 {
		if k := current.Load(); k != nil {
			return f(k)
		}
		return 0
	}
}

func mustRegisterGauge(name string, units metric.Units, description string, f func(k *Kernel) uint64) {
	if err := metric.RegisterCustomUint64Metric(name, false /* cumulative */, false /* sync */, units, description, gauge(f)); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

func init() {
	mustRegisterGauge("/vmem/physical/total_bytes", metric.UnitsBytes, "Usable simulated physical memory.", func(k *Kernel) uint64 {
		return k.Frames.TotalBytes()
	})
	mustRegisterGauge("/vmem/physical/free_bytes", metric.UnitsBytes, "Unallocated simulated physical memory.", func(k *Kernel) uint64 {
		return k.Frames.FreeBytes()
	})
	mustRegisterGauge("/vmem/heap/free_bytes", metric.UnitsBytes, "Unallocated virtual memory in the kernel heap.", func(k *Kernel) uint64 {
		return k.Heap.FreeBytes()
	})
	mustRegisterGauge("/vmem/kernel/mappings", metric.UnitsNone, "Live mappings in the kernel address space.", func(k *Kernel) uint64 {
		return uint64(k.AddressSpace.Live())
	})
	mustRegisterGauge("/vmem/pcids/available", metric.UnitsNone, "Address space identifiers not in use.", func(k *Kernel) uint64 {
		return uint64(k.PCIDs.Available())
	})

	metric.MustCreateNewRuntimeUint64Metric("/vmem/runtime/heap_bytes", "/memory/classes/heap/objects:bytes", metric.UnitsBytes)
	metric.MustCreateNewRuntimeUint64Metric("/vmem/runtime/goroutines", "/sched/goroutines:goroutines", metric.UnitsNone)
}

// Current returns the most recently booted kernel that has not been
// released, or nil.
func Current() *Kernel {
	return current.Load()
}

// usableRanges returns [0, size) without the reserved ranges, which must be
// disjoint and lie within it.
func usableRanges(size uint64, reserved []pgalloc.Range) ([]pgalloc.Range, error) {
	var set segment.Set[uintptr]
	set.Add(pgalloc.Range{Start: 0, End: uintptr(size)})
	for _, r := range reserved {
		if !set.Remove(r) {
			return nil, fmt.Errorf("reserved range %v is not usable memory", r)
		}
	}
	return set.Ranges(), nil
}

// New boots a kernel configured by conf.
func New(conf *config.Config) (*Kernel, error) {
	metric.StartStage(metric.InitConfig)
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	k := &Kernel{
		Conf:  conf,
		Sizes: conf.Sizes(),
	}
	log.Infof("Page sizes: %v (%s)", k.Sizes.Supported(), conf.PageSizes)

	metric.StartStage(metric.InitPhysicalMemory)
	mf, err := pgalloc.NewMemoryFile(uint64(conf.MemorySize))
	if err != nil {
		return nil, fmt.Errorf("error creating physical memory: %w", err)
	}
	cu := cleanup.Make(func() { mf.Close() })
	defer cu.Clean()
	k.MemoryFile = mf

	metric.StartStage(metric.InitAllocators)
	usable, err := usableRanges(mf.Size(), conf.ReservedRanges())
	if err != nil {
		return nil, err
	}
	if k.Frames, err = pgalloc.NewAllocator(mf, usable); err != nil {
		return nil, fmt.Errorf("error creating frame allocator: %w", err)
	}
	if k.Heap, err = vmalloc.New(conf.Heap.AddrRange()); err != nil {
		return nil, fmt.Errorf("error creating heap allocator: %w", err)
	}
	log.Infof("Physical memory: %#x usable of %#x bytes, %d reserved ranges", k.Frames.TotalBytes(), mf.Size(), len(conf.Reserved))

	metric.StartStage(metric.InitMachine)
	if k.Machine, err = tlb.NewMachine(tlb.Opts{CPUs: conf.CPUs, ShootdownTimeout: conf.ShootdownTimeout}); err != nil {
		return nil, fmt.Errorf("error creating machine: %w", err)
	}
	cu.Add(k.Machine.Stop)
	// Identifier 0 belongs to the kernel address space.
	k.PCIDs = pagetables.NewPCIDs(1, 4094)

	end := metric.StartStage(metric.InitKernelAddrSpace)
	if k.AddressSpace, err = mm.NewAddressSpace(mm.Opts{
		Pages:   k.Heap,
		Frames:  k.Frames,
		Machine: k.Machine,
		Sizes:   k.Sizes,
	}); err != nil {
		return nil, fmt.Errorf("error creating kernel address space: %w", err)
	}
	// The kernel address space is live on every CPU.
	for _, c := range k.Machine.CPUs() {
		k.AddressSpace.Activate(c)
	}
	end()

	cu.Release()
	current.Store(k)
	log.Infof("Kernel booted: %d CPUs, heap %v", conf.CPUs, conf.Heap.AddrRange())
	return k, nil
}

// NewAddressSpace creates an address space whose mappings are allocated from
// region, tagged with an identifier of its own.
func (k *Kernel) NewAddressSpace(region hostarch.AddrRange) (*mm.AddressSpace, error) {
	pages, err := vmalloc.New(region)
	if err != nil {
		return nil, err
	}
	return mm.NewAddressSpace(mm.Opts{
		Pages:   pages,
		Frames:  k.Frames,
		Machine: k.Machine,
		Sizes:   k.Sizes,
		PCIDs:   k.PCIDs,
	})
}

// Release tears the kernel down. It fails with ErrLiveMappings, leaving the
// kernel running, if an address space created by NewAddressSpace has not been
// released or the kernel address space still has mappings.
func (k *Kernel) Release() error {
	if n := k.PCIDs.Assigned(); n > 0 {
		return fmt.Errorf("%d address spaces not released: %w", n, memory.ErrLiveMappings)
	}
	if err := k.AddressSpace.Release(); err != nil {
		return err
	}
	k.Machine.Stop()
	current.CompareAndSwap(k, nil)
	if err := k.MemoryFile.Close(); err != nil {
		return fmt.Errorf("error closing physical memory: %w", err)
	}
	log.Infof("Kernel released")
	return nil
}
