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

// Package config holds the configuration of the memory subsystem: how much
// physical memory to simulate, where the kernel heap lives, how many CPUs
// take part in shootdowns and how logging is set up.
//
// A Config starts from Default, may be loaded from a TOML or YAML file, and
// is finally overridden by command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/vmem/pkg/cpuid"
	"gvisor.dev/vmem/pkg/hostarch"
	"gvisor.dev/vmem/pkg/memory"
	"gvisor.dev/vmem/pkg/pgalloc"
)

// Config holds configuration that is not part of any one component.
//
// Fields tagged with "flag" can be overridden on the command line by the
// flag of that name.
type Config struct {
	// MemorySize is the size of simulated physical memory.
	MemorySize Bytes `toml:"memory_size" yaml:"memory_size" flag:"memory-size"`

	// Heap is the virtual region kernel mappings are allocated from.
	Heap Range `toml:"heap" yaml:"heap" flag:"heap"`

	// CPUs is the number of simulated CPUs.
	CPUs int `toml:"cpus" yaml:"cpus" flag:"cpus"`

	// ShootdownTimeout bounds how long a TLB shootdown waits for every
	// CPU to acknowledge.
	ShootdownTimeout time.Duration `toml:"shootdown_timeout" yaml:"shootdown_timeout" flag:"shootdown-timeout"`

	// PageSizes selects the page sizes treated as supported.
	PageSizes PageSizes `toml:"page_sizes" yaml:"page_sizes" flag:"page-sizes"`

	// Reserved are physical ranges never handed out by the frame
	// allocator, as for firmware or device memory.
	Reserved Ranges `toml:"reserved" yaml:"reserved" flag:"reserved"`

	// LogFormat is the format of log output: text, json, logrus or
	// logrus-json.
	LogFormat string `toml:"log_format" yaml:"log_format" flag:"log-format"`

	// LogFile is where log output is written. Empty means stderr.
	LogFile string `toml:"log_file" yaml:"log_file" flag:"log-file"`

	// Debug enables debug logging.
	Debug bool `toml:"debug" yaml:"debug" flag:"debug"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MemorySize:       256 << 20,
		Heap:             Range{Start: 0xffffc90000000000, End: 0xffffe90000000000},
		CPUs:             4,
		ShootdownTimeout: 5 * time.Second,
		PageSizes:        PageSizesHost,
		LogFormat:        "text",
	}
}

// Load reads the configuration file at path on top of the defaults. The
// format is chosen by extension: .toml, or .yaml and .yml. Unknown keys are
// errors.
func Load(path string) (*Config, error) {
	conf := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, conf)
		if err != nil {
			return nil, fmt.Errorf("error parsing %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in %q: %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(conf); err != nil {
			return nil, fmt.Errorf("error parsing %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown configuration format %q for %q", ext, path)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %q: %w", path, err)
	}
	return conf, nil
}

var logFormats = map[string]struct{}{
	"text":        {},
	"json":        {},
	"logrus":      {},
	"logrus-json": {},
}

// Validate checks that the configuration describes a usable system.
func (c *Config) Validate() error {
	if c.MemorySize%hostarch.PageSize != 0 || c.MemorySize < 16*hostarch.PageSize {
		return fmt.Errorf("memory size %v must be a multiple of %d and at least 16 pages", c.MemorySize, hostarch.PageSize)
	}
	heap := c.Heap.AddrRange()
	if !heap.WellFormed() || heap.Length() == 0 || !heap.IsPageAligned() {
		return fmt.Errorf("heap %v must be a non-empty page aligned range", c.Heap)
	}
	if !heap.Start.IsCanonical() || !(heap.End - 1).IsCanonical() || (heap.Start < 1<<47) != (heap.End-1 < 1<<47) {
		return fmt.Errorf("heap %v must lie in one canonical half of the address space", c.Heap)
	}
	if c.CPUs <= 0 || c.CPUs > 256 {
		return fmt.Errorf("cpus %d must be between 1 and 256", c.CPUs)
	}
	if c.ShootdownTimeout <= 0 {
		return fmt.Errorf("shootdown timeout %v must be positive", c.ShootdownTimeout)
	}
	if err := c.PageSizes.Set(string(c.PageSizes)); err != nil {
		return err
	}
	for i, r := range c.Reserved {
		if r.Start >= r.End || r.End > uint64(c.MemorySize) {
			return fmt.Errorf("reserved range %v outside memory of %v", r, c.MemorySize)
		}
		for _, other := range c.Reserved[:i] {
			if r.Start < other.End && other.Start < r.End {
				return fmt.Errorf("reserved ranges %v and %v overlap", other, r)
			}
		}
	}
	if _, ok := logFormats[c.LogFormat]; !ok {
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}

// Sizes returns the page sizes the configuration allows.
func (c *Config) Sizes() *memory.Sizes {
	switch c.PageSizes {
	case PageSizesBase:
		return memory.NewSizes(cpuid.Static())
	case PageSizes2M:
		return memory.NewSizes(cpuid.Static(cpuid.X86FeaturePSE))
	case PageSizesAll:
		return memory.NewSizes(cpuid.Static(cpuid.X86FeaturePSE, cpuid.X86FeaturePDPE1GB))
	default:
		return memory.HostSizes()
	}
}

// ReservedRanges returns the reserved ranges as physical ranges.
func (c *Config) ReservedRanges() []pgalloc.Range {
	rs := make([]pgalloc.Range, 0, len(c.Reserved))
	for _, r := range c.Reserved {
		rs = append(rs, pgalloc.Range{Start: uintptr(r.Start), End: uintptr(r.End)})
	}
	return rs
}
