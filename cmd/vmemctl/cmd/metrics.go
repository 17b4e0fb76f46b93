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

	"github.com/google/subcommands"
	"gvisor.dev/vmem/pkg/boot"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/metric"
	"gvisor.dev/vmem/pkg/mm"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	output
	mappings int
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "boot, optionally create some mappings, and print metrics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return "metrics [-mappings <n>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.mappings, "mappings", 0, "number of mappings to create before printing.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if m.mappings < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return withKernel(args, m.execute)
}

func (m *Metrics) execute(k *boot.Kernel) error {
	var live []mm.Mapping
	defer func() {
		for _, mapping := range live {
			mapping.Close()
		}
	}()
	for i := 0; i < m.mappings; i++ {
		mapping, err := mm.CreateMapping(k.AddressSpace, uint64(i+1)*hostarch.PageSize, kernelOpts, mm.CreateOpts{AutoHuge: true})
		if err != nil {
			return err
		}
		live = append(live, mapping)
	}
	// Gauges are read while the mappings are live.
	return metric.WritePrometheus(m.out())
}
