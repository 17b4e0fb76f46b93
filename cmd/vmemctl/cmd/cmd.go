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

// Package cmd holds the subcommands of vmemctl.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmem/pkg/boot"
	"gvisor.dev/vmem/pkg/config"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/ring0/pagetables"
)

// output is where a command prints its results.
type output struct {
	w io.Writer
}

func (o *output) out() io.Writer {
	if o.w == nil {
		return os.Stdout
	}
	return o.w
}

func (o *output) printf(format string, v ...any) {
	fmt.Fprintf(o.out(), format, v...)
}

// configFrom returns the configuration passed to Execute.
func configFrom(args []any) *config.Config {
	if len(args) > 0 {
		if conf, ok := args[0].(*config.Config); ok {
			return conf
		}
	}
	return config.Default()
}

// withKernel boots a kernel, runs fn and releases the kernel.
func withKernel(args []any, fn func(k *boot.Kernel) error) subcommands.ExitStatus {
	k, err := boot.New(configFrom(args))
	if err != nil {
		log.Warningf("Boot failed: %v", err)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitFailure
	}
	runErr := fn(k)
	if err := k.Release(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		log.Warningf("Command failed: %v", runErr)
		fmt.Fprintf(os.Stderr, "%v\n", runErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// parseClass parses a page size flag. The empty string means no particular
// size.
func parseClass(s string) (memory.SizeClass, error) {
	if s == "" {
		return memory.SizeBase, nil
	}
	return memory.ParseSizeClass(s)
}

// kernelOpts are the options of kernel data mappings: present and writable,
// never executable.
var kernelOpts = pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}

// fill writes a pattern derived from seed to b.
func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i%251)
	}
}
