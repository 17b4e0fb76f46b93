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

package boot

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmem/pkg/config"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/mm"
	"gvisor.dev/vmem/pkg/pgalloc"
	"gvisor.dev/vmem/pkg/ring0/pagetables"
)

func testConfig() *config.Config {
	conf := config.Default()
	conf.MemorySize = 32 << 20
	conf.CPUs = 2
	conf.PageSizes = config.PageSizes2M
	return conf
}

func newTestKernel(t *testing.T, conf *config.Config) *Kernel {
	t.Helper()
	k, err := New(conf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { k.Release() })
	return k
}

func TestUsableRanges(t *testing.T) {
	for _, test := range []struct {
		name     string
		size     uint64
		reserved []pgalloc.Range
		want     []pgalloc.Range
		err      bool
	}{
		{
			name: "none",
			size: 0x10000,
			want: []pgalloc.Range{{Start: 0, End: 0x10000}},
		},
		{
			name:     "holes",
			size:     0x10000,
			reserved: []pgalloc.Range{{Start: 0x2000, End: 0x3000}, {Start: 0x8000, End: 0x10000}},
			want:     []pgalloc.Range{{Start: 0, End: 0x2000}, {Start: 0x3000, End: 0x8000}},
		},
		{
			name:     "overlapping",
			size:     0x10000,
			reserved: []pgalloc.Range{{Start: 0x2000, End: 0x4000}, {Start: 0x3000, End: 0x5000}},
			err:      true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := usableRanges(test.size, test.reserved)
			if (err != nil) != test.err {
				t.Fatalf("usableRanges() error = %v, want error %t", err, test.err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" && !test.err {
				t.Errorf("usableRanges() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNew(t *testing.T) {
	conf := testConfig()
	conf.Reserved = config.Ranges{{Start: 0x100000, End: 0x200000}}
	k := newTestKernel(t, conf)

	if Current() != k {
		t.Errorf("Current() is not the booted kernel")
	}
	// Page zero is never usable.
	if got, want := k.Frames.TotalBytes(), uint64(32<<20)-0x100000-hostarch.PageSize; got != want {
		t.Errorf("TotalBytes() = %#x, want %#x", got, want)
	}
	if got := k.AddressSpace.ID(); got != 0 {
		t.Errorf("kernel address space ID = %d, want 0", got)
	}
	if got := len(k.AddressSpace.Active()); got != conf.CPUs {
		t.Errorf("kernel address space active on %d CPUs, want %d", got, conf.CPUs)
	}
	if diff := cmp.Diff([]memory.SizeClass{memory.SizeBase, memory.SizeHuge2M}, k.Sizes.Supported()); diff != "" {
		t.Errorf("Supported() mismatch (-want +got):\n%s", diff)
	}

	m, err := mm.CreateMapping(k.AddressSpace, hostarch.HugePageSize, pagetables.MapOpts{AccessType: hostarch.ReadWrite}, mm.CreateOpts{AutoHuge: true})
	if err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if !k.Conf.Heap.AddrRange().Contains(m.Start()) {
		t.Errorf("mapping at %v outside the heap %v", m.Start(), k.Conf.Heap.AddrRange())
	}
	if frame, err := m.Translate(m.Start()); err != nil || (frame >= 0x100000 && frame < 0x200000) {
		t.Errorf("Translate() = %#x, %v, want a frame outside the reserved range", frame, err)
	}
	if err := k.Release(); !errors.Is(err, memory.ErrLiveMappings) {
		t.Errorf("Release with a live mapping = %v, want %v", err, memory.ErrLiveMappings)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewInvalid(t *testing.T) {
	conf := testConfig()
	conf.CPUs = 0
	if _, err := New(conf); err == nil {
		t.Errorf("New with no CPUs succeeded")
	}
}

func TestNewAddressSpace(t *testing.T) {
	k := newTestKernel(t, testConfig())
	region := hostarch.AddrRange{Start: 0x400000, End: 0x40000000}
	as, err := k.NewAddressSpace(region)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	if as.ID() == 0 {
		t.Errorf("user address space got the kernel identifier")
	}
	available := k.PCIDs.Available()

	m, err := mm.CreateMapping(as, 3*hostarch.PageSize, pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}, mm.CreateOpts{})
	if err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if !region.Contains(m.Start()) {
		t.Errorf("mapping at %v outside %v", m.Start(), region)
	}
	if got := len(as.PageTables().DumpPTE(m.Start())); got != 4 {
		t.Errorf("DumpPTE() returned %d entries, want 4", got)
	}
	if _, _, _, ok := k.AddressSpace.PageTables().Lookup(m.Start()); ok {
		t.Errorf("user mapping visible in the kernel address space")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := as.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := k.PCIDs.Available(); got != available+1 {
		t.Errorf("Available() = %d, want %d", got, available+1)
	}
}

func TestRelease(t *testing.T) {
	k, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := k.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if Current() == k {
		t.Errorf("Current() still returns a released kernel")
	}
}

func TestReleaseWithLiveAddressSpace(t *testing.T) {
	k := newTestKernel(t, testConfig())
	as, err := k.NewAddressSpace(hostarch.AddrRange{Start: 0x400000, End: 0x40000000})
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	if err := k.Release(); !errors.Is(err, memory.ErrLiveMappings) {
		t.Fatalf("Release with a live address space = %v, want %v", err, memory.ErrLiveMappings)
	}

	// The machine is still running, so the address space can be torn down.
	m, err := mm.CreateMapping(as, hostarch.PageSize, pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}, mm.CreateOpts{})
	if err != nil {
		t.Fatalf("CreateMapping after a refused Release: %v", err)
	}
	if _, _, err := as.Translate(k.Machine.CPU(0), m.Start()); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := as.Release(); err != nil {
		t.Fatalf("AddressSpace.Release: %v", err)
	}
	if err := k.Release(); err != nil {
		t.Errorf("Release after the address space was released: %v", err)
	}
}
