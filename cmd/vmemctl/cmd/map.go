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

	"github.com/google/subcommands"
	"gvisor.dev/vmem/pkg/boot"
	"gvisor.dev/vmem/pkg/config"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/mm"
	"gvisor.dev/vmem/pkg/ring0/pagetables"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	output
	bytes    config.Bytes
	auto     bool
	class    string
	dump     bool
	readOnly bool
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "create a mapping in the kernel address space and describe it"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return "map -bytes <size> [-auto] [-class 4K|2M|1G] [-dump] [-read-only]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Map) SetFlags(f *flag.FlagSet) {
	m.bytes = hostarch.PageSize
	f.Var(&m.bytes, "bytes", "length of the mapping, e.g. 8K or 4M.")
	f.BoolVar(&m.auto, "auto", false, "use the largest page size that evenly divides the length.")
	f.StringVar(&m.class, "class", "", "page size to map with.")
	f.BoolVar(&m.dump, "dump", false, "print the page table entries on the path to the first page.")
	f.BoolVar(&m.readOnly, "read-only", false, "map without write access.")
}

// Execute implements subcommands.Command.Execute.
func (m *Map) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	class, err := parseClass(m.class)
	if err != nil || m.bytes == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	copts := mm.CreateOpts{Class: class, AutoHuge: m.auto}
	return withKernel(args, func(k *boot.Kernel) error {
		return m.execute(k, copts)
	})
}

func (m *Map) execute(k *boot.Kernel, copts mm.CreateOpts) error {
	opts := kernelOpts
	if m.readOnly {
		opts.AccessType = hostarch.Read
	}
	mapping, err := mm.CreateMapping(k.AddressSpace, uint64(m.bytes), opts, copts)
	if err != nil {
		return fmt.Errorf("failed to map %v: %w", &m.bytes, err)
	}
	defer mapping.Close()

	m.printf("mapping:   %v\n", mapping)
	m.printf("class:     %v x %d\n", mapping.SizeClass(), mapping.Count())
	m.printf("range:     [%v, %v)\n", mapping.Start(), mapping.Start()+hostarch.Addr(mapping.Bytes()))
	m.printf("flags:     %v\n", mapping.Flags())
	phys, err := mapping.Translate(mapping.Start())
	if err != nil {
		return err
	}
	m.printf("physical:  %#x\n", phys)
	if m.dump {
		m.printf("path:\n")
		for _, e := range k.AddressSpace.PageTables().DumpPTE(mapping.Start()) {
			m.printf("  %v\n", e)
		}
		var leaves []pagetables.Leaf
		k.AddressSpace.PageTables().Walk(func(l pagetables.Leaf) bool {
			leaves = append(leaves, l)
			return len(leaves) < 8
		})
		m.printf("leaves:\n")
		for _, l := range leaves {
			m.printf("  %v\n", l)
		}
	}
	return nil
}
