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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmem/pkg/boot"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/mm"
	"gvisor.dev/vmem/pkg/segment"
	"gvisor.dev/vmem/pkg/sync"
)

// Stress implements subcommands.Command for the "stress" command. Workers
// concurrently create, use and remove mappings while every live range is
// checked against a reference set for overlap.
type Stress struct {
	output
	workers    int
	iterations int
	maxPages   int
	seed       int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "map and unmap concurrently, checking that live mappings never overlap"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return "stress [-workers <n>] [-iterations <n>] [-max-pages <n>] [-seed <n>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 100, "mappings created by each worker.")
	f.IntVar(&s.maxPages, "max-pages", 16, "maximum length of a mapping in base pages.")
	f.Int64Var(&s.seed, "seed", 1, "random seed.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.workers <= 0 || s.iterations <= 0 || s.maxPages <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return withKernel(args, s.execute)
}

// liveSet records the ranges of live mappings.
type liveSet struct {
	mu  sync.Mutex
	set segment.Set[hostarch.Addr]
}

func (l *liveSet) claim(r hostarch.AddrRange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sr := segment.Range[hostarch.Addr]{Start: r.Start, End: r.End}
	if l.set.Overlaps(sr) {
		return fmt.Errorf("new mapping %v overlaps a live mapping", r)
	}
	l.set.Add(sr)
	return nil
}

func (l *liveSet) drop(r hostarch.AddrRange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set.Remove(segment.Range[hostarch.Addr]{Start: r.Start, End: r.End}) {
		panic(fmt.Sprintf("dropping %v, which is not live", r))
	}
}

func (s *Stress) execute(k *boot.Kernel) error {
	framesBefore := k.Frames.FreeBytes()
	heapBefore := k.Heap.FreeBytes()
	start := time.Now()

	var (
		live liveSet
		g    errgroup.Group
	)
	classes := k.Sizes.Supported()
	for w := 0; w < s.workers; w++ {
		rng := rand.New(rand.NewSource(s.seed + int64(w)))
		g.Go(func() error {
			for i := 0; i < s.iterations; i++ {
				if err := s.iterate(k, &live, rng, classes, byte(w)); err != nil {
					return fmt.Errorf("worker %d, iteration %d: %w", w, i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if got := k.Frames.FreeBytes(); got != framesBefore {
		return fmt.Errorf("%#x bytes of physical memory leaked", framesBefore-got)
	}
	if got := k.Heap.FreeBytes(); got != heapBefore {
		return fmt.Errorf("%#x bytes of heap leaked", heapBefore-got)
	}
	s.printf("%d workers x %d iterations in %v: ok\n", s.workers, s.iterations, time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Stress) iterate(k *boot.Kernel, live *liveSet, rng *rand.Rand, classes []memory.SizeClass, seed byte) error {
	length := uint64(1+rng.Intn(s.maxPages)) * hostarch.PageSize
	var copts mm.CreateOpts
	switch rng.Intn(3) {
	case 0:
		copts.AutoHuge = true
	case 1:
		// Small huge mappings only; a 1G page would exhaust most
		// configurations.
		if c := classes[rng.Intn(len(classes))]; c != memory.SizeHuge1G {
			copts.Class = c
		}
	}
	m, err := mm.CreateMapping(k.AddressSpace, length, kernelOpts, copts)
	if err != nil {
		return err
	}
	r, ok := m.Start().ToRange(m.Bytes())
	if !ok {
		m.Close()
		return fmt.Errorf("mapping %v wraps", m)
	}
	if err := live.claim(r); err != nil {
		m.Close()
		return err
	}

	if err := s.check(k, m, r, rng, seed, length); err != nil {
		m.Close()
		return err
	}

	live.drop(r)
	if err := m.Close(); err != nil {
		return err
	}
	// With more workers the range may already be mapped again.
	if s.workers == 1 {
		for _, c := range k.Machine.CPUs() {
			if c.Holds(k.AddressSpace.ID(), r) {
				return fmt.Errorf("%v holds a translation for %v after unmap", c, r)
			}
		}
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("stress: %v ok", r)
	}
	return nil
}

// check verifies that m translates the same through the page tables and a
// CPU's TLB, and that its contents are what was written.
func (s *Stress) check(k *boot.Kernel, m mm.Mapping, r hostarch.AddrRange, rng *rand.Rand, seed byte, length uint64) error {
	cpu := k.Machine.CPU(rng.Intn(k.Machine.NumCPUs()))
	phys, _, err := k.AddressSpace.Translate(cpu, r.Start)
	if err != nil {
		return err
	}
	want, err := m.Translate(r.Start)
	if err != nil {
		return err
	}
	if phys != want {
		return fmt.Errorf("%v translated %v to %#x, want %#x", cpu, r.Start, phys, want)
	}

	b := make([]byte, length)
	fill(b, seed)
	if _, err := m.WriteAt(b, 0); err != nil {
		return err
	}
	sum, err := m.Checksum()
	if err != nil {
		return err
	}
	// The mapping may be longer than requested; the rest reads as zero.
	d := xxhash.New()
	d.Write(b)
	d.Write(make([]byte, m.Bytes()-length))
	if sum != d.Sum64() {
		return fmt.Errorf("checksum of %v is %#x, want %#x", m, sum, d.Sum64())
	}
	return nil
}
