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

package tlb

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/ring0/pagetables"
	"gvisor.dev/vmem/pkg/sync"
)

func newTestMachine(t *testing.T, cpus int, timeout time.Duration) *Machine {
	t.Helper()
	m, err := NewMachine(Opts{CPUs: cpus, ShootdownTimeout: timeout})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func entry(addr hostarch.Addr, class memory.SizeClass, phys uintptr) Entry {
	return Entry{
		Virtual:  addr,
		Class:    class,
		Physical: phys,
		Opts:     pagetables.MapOpts{AccessType: hostarch.ReadWrite},
	}
}

func TestLookup(t *testing.T) {
	c := newCPU(0)
	c.Fill(1, entry(0x400000, memory.SizeBase, 0x7000))
	c.Fill(1, entry(hostarch.HugePageSize*4, memory.SizeHuge2M, hostarch.HugePageSize))
	c.Fill(2, entry(0x400000, memory.SizeBase, 0x9000))

	for _, test := range []struct {
		asid uint16
		addr hostarch.Addr
		want uintptr
		ok   bool
	}{
		{1, 0x400123, 0x7123, true},
		{2, 0x400123, 0x9123, true},
		{3, 0x400123, 0, false},
		{1, 0x401000, 0, false},
		{1, hostarch.HugePageSize*4 + 0x12345, hostarch.HugePageSize + 0x12345, true},
	} {
		e, ok := c.Lookup(test.asid, test.addr)
		if ok != test.ok {
			t.Errorf("Lookup(%d, %v) ok = %v, want %v", test.asid, test.addr, ok, test.ok)
			continue
		}
		if ok {
			if got := e.Translate(test.addr); got != test.want {
				t.Errorf("Lookup(%d, %v) translates to %#x, want %#x", test.asid, test.addr, got, test.want)
			}
		}
	}
}

func TestEntryRange(t *testing.T) {
	top := entry(^hostarch.Addr(hostarch.HugePageSize-1), memory.SizeHuge2M, 0)
	if !top.Range().Contains(^hostarch.Addr(0) - 1) {
		t.Errorf("range %v of the last page does not cover its end", top.Range())
	}
}

func TestShootdown(t *testing.T) {
	m := newTestMachine(t, 4, time.Second)
	for _, c := range m.CPUs() {
		c.Fill(1, entry(0x400000, memory.SizeBase, 0x7000))
		c.Fill(1, entry(0x800000, memory.SizeBase, 0x8000))
		c.Fill(2, entry(0x400000, memory.SizeBase, 0x9000))
	}

	r := hostarch.AddrRange{Start: 0x400000, End: 0x401000}
	targets := []*CPU{m.CPU(0), m.CPU(2)}
	m.Shootdown(targets, 1, r)

	for _, c := range m.CPUs() {
		targeted := c.ID() == 0 || c.ID() == 2
		if got := c.Holds(1, r); got == targeted {
			t.Errorf("%v holds %v after shootdown = %v", c, r, got)
		}
		if !c.Holds(2, r) {
			t.Errorf("%v lost the translation of another address space", c)
		}
		if !c.Holds(1, hostarch.AddrRange{Start: 0x800000, End: 0x801000}) {
			t.Errorf("%v lost a translation outside the range", c)
		}
		if want := map[bool]uint64{true: 1, false: 0}[targeted]; c.Acks() != want {
			t.Errorf("%v acks = %d, want %d", c, c.Acks(), want)
		}
	}
}

// A walk that overlaps an invalidation must not cache what it found.
func TestFillAtDropsStaleWalk(t *testing.T) {
	m := newTestMachine(t, 1, time.Second)
	c := m.CPU(0)
	r := hostarch.AddrRange{Start: 0x400000, End: 0x401000}

	gen := c.Generation()
	m.Shootdown([]*CPU{c}, 1, r)
	if c.FillAt(1, entry(r.Start, memory.SizeBase, 0x7000), gen) {
		t.Errorf("FillAt with generation %d succeeded after an invalidation", gen)
	}
	if c.Holds(1, r) {
		t.Errorf("%v holds %v after a stale fill", c, r)
	}

	gen = c.Generation()
	if !c.FillAt(1, entry(r.Start, memory.SizeBase, 0x7000), gen) {
		t.Errorf("FillAt with the current generation failed")
	}
	if !c.Holds(1, r) {
		t.Errorf("%v does not hold %v after a current fill", c, r)
	}
}

func TestShootdownHugePartialRange(t *testing.T) {
	m := newTestMachine(t, 1, time.Second)
	c := m.CPU(0)
	c.Fill(1, entry(hostarch.HugePageSize, memory.SizeHuge2M, hostarch.HugePageSize))

	// Invalidating any part of a huge page drops the whole entry.
	r := hostarch.AddrRange{Start: hostarch.HugePageSize + 0x3000, End: hostarch.HugePageSize + 0x4000}
	m.Shootdown([]*CPU{c}, 1, r)
	if c.Len() != 0 {
		t.Errorf("huge entry survived a shootdown of %v", r)
	}
}

func TestShootdownAll(t *testing.T) {
	m := newTestMachine(t, 2, time.Second)
	for _, c := range m.CPUs() {
		c.Fill(5, entry(0x400000, memory.SizeBase, 0x7000))
		c.Fill(5, entry(hostarch.Addr(hostarch.UpperBottom), memory.SizeHuge1G, hostarch.GiantPageSize))
	}
	m.Shootdown(m.CPUs(), 5, AllRanges)
	for _, c := range m.CPUs() {
		if c.Len() != 0 {
			t.Errorf("%v holds %d entries after a full shootdown", c, c.Len())
		}
	}
}

func TestConcurrentShootdowns(t *testing.T) {
	m := newTestMachine(t, 4, 5*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				addr := hostarch.Addr((i*50 + j) * hostarch.PageSize)
				for _, c := range m.CPUs() {
					c.Fill(uint16(i), entry(addr, memory.SizeBase, uintptr(addr)))
				}
				m.Shootdown(m.CPUs(), uint16(i), hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize})
			}
		}()
	}
	wg.Wait()
	for _, c := range m.CPUs() {
		if c.Len() != 0 {
			t.Errorf("%v holds %d entries", c, c.Len())
		}
		if c.Acks() != 8*50 {
			t.Errorf("%v acks = %d, want %d", c, c.Acks(), 8*50)
		}
	}
}

func TestShootdownTimeoutPanics(t *testing.T) {
	m := newTestMachine(t, 2, 50*time.Millisecond)
	m.CPU(1).hung.Store(true)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("Shootdown with a hung CPU did not panic")
		}
		if msg := fmt.Sprint(r); !strings.Contains(msg, "cpu1") {
			t.Errorf("panic %q does not name the hung CPU", msg)
		}
	}()
	m.Shootdown(m.CPUs(), 1, AllRanges)
}

func TestNewMachineNeedsCPUs(t *testing.T) {
	if _, err := NewMachine(Opts{}); err == nil {
		t.Errorf("NewMachine with no CPUs succeeded")
	}
}
