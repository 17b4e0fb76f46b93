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
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/subcommands"
	"gvisor.dev/vmem/pkg/boot"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/mm"
)

// HugePageTest implements subcommands.Command for the "hugepage-test"
// command. It maps one page of the given size into the kernel address space,
// writes through it and unmaps it.
type HugePageTest struct {
	output
	size string
}

// Name implements subcommands.Command.Name.
func (*HugePageTest) Name() string {
	return "hugepage-test"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*HugePageTest) Synopsis() string {
	return "map, write and unmap one page of the given size"
}

// Usage implements subcommands.Command.Usage.
func (*HugePageTest) Usage() string {
	return "hugepage-test [-size 4K|2M|1G]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (h *HugePageTest) SetFlags(f *flag.FlagSet) {
	f.StringVar(&h.size, "size", "2M", "page size to test.")
}

// Execute implements subcommands.Command.Execute.
func (h *HugePageTest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	class, err := memory.ParseSizeClass(h.size)
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return withKernel(args, func(k *boot.Kernel) error {
		return h.execute(k, class)
	})
}

func (h *HugePageTest) execute(k *boot.Kernel, class memory.SizeClass) error {
	m, err := mm.CreateMapping(k.AddressSpace, class.Bytes(), kernelOpts, mm.CreateOpts{Class: class})
	if err != nil {
		return fmt.Errorf("failed to map a %v page: %w", class, err)
	}
	defer m.Close()
	if got := m.SizeClass(); got != class {
		return fmt.Errorf("mapped %v pages, want %v", got, class)
	}
	log.Infof("Mapped %v", m)

	want := make([]byte, class.Bytes())
	fill(want, 0x5a)
	if _, err := m.WriteAt(want, 0); err != nil {
		return err
	}
	got := make([]byte, len(want))
	if _, err := m.ReadAt(got, 0); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("read back different contents than written")
	}
	sum, err := m.Checksum()
	if err != nil {
		return err
	}
	if sum != xxhash.Sum64(want) {
		return fmt.Errorf("checksum %#x, want %#x", sum, xxhash.Sum64(want))
	}
	phys, err := m.Translate(m.Start())
	if err != nil {
		return err
	}
	h.printf("%v page at %v -> %#x, checksum %#016x: ok\n", class, m.Start(), phys, sum)
	return nil
}
