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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmem/pkg/memory"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default configuration is invalid: %v", err)
	}
	// All defaults don't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{
		"--memory-size=1G",
		"--cpus=8",
		"--debug",
		"--page-sizes=2M",
		"--shootdown-timeout=250ms",
		"--reserved=0x0-0x100000,0x200000-0x201000",
	}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	c := Default()
	if err := ApplyFlags(c, testFlags); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	want := Default()
	want.MemorySize = 1 << 30
	want.CPUs = 8
	want.Debug = true
	want.PageSizes = PageSizes2M
	want.ShootdownTimeout = 250 * time.Millisecond
	want.Reserved = Ranges{{Start: 0, End: 0x100000}, {Start: 0x200000, End: 0x201000}}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("ApplyFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlags(t *testing.T) {
	c := Default()
	c.MemorySize = 64 << 20
	c.CPUs = 2
	c.LogFormat = "json"
	c.Heap = Range{Start: 0x100000000, End: 0x200000000}
	want := []string{
		"--memory-size=64M",
		"--heap=0x100000000-0x200000000",
		"--cpus=2",
		"--log-format=json",
	}
	got := c.ToFlags()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}

	// The flags must reproduce the configuration.
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(got); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	roundTrip := Default()
	if err := ApplyFlags(roundTrip, testFlags); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if diff := cmp.Diff(c, roundTrip); diff != "" {
		t.Errorf("configuration from ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	want := Default()
	want.MemorySize = 512 << 20
	want.CPUs = 16
	want.ShootdownTimeout = 2 * time.Second
	want.PageSizes = PageSizesAll
	want.Reserved = Ranges{{Start: 0x1000, End: 0x9000}}
	want.LogFormat = "logrus-json"
	want.Debug = true

	for _, test := range []struct {
		name     string
		contents string
	}{
		{
			name: "vmem.toml",
			contents: `memory_size = "512M"
cpus = 16
shootdown_timeout = "2s"
page_sizes = "all"
reserved = ["0x1000-0x9000"]
log_format = "logrus-json"
debug = true
`,
		},
		{
			name: "vmem.yaml",
			contents: `memory_size: 512MiB
cpus: 16
shootdown_timeout: 2s
page_sizes: all
reserved:
  - 0x1000-0x9000
log_format: logrus-json
debug: true
`,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, err := Load(writeFile(t, test.name, test.contents))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(want, c); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	for _, test := range []struct {
		name     string
		contents string
		err      string
	}{
		{name: "unknown.toml", contents: "cpus = 2\nbogus = 1\n", err: "unknown keys"},
		{name: "unknown.yaml", contents: "bogus: 1\n", err: "bogus"},
		{name: "bad.json", contents: "{}", err: "unknown configuration format"},
		{name: "cpus.toml", contents: "cpus = 0\n", err: "cpus"},
		{name: "sizes.yaml", contents: "page_sizes: 512g\n", err: "invalid page sizes"},
		{name: "memory.toml", contents: "memory_size = \"4K\"\n", err: "memory size"},
		{name: "reserved.toml", contents: "reserved = [\"0x1000-0x3000\", \"0x2000-0x4000\"]\n", err: "overlap"},
		{name: "outside.toml", contents: "memory_size = \"1M\"\nreserved = [\"0x0-0x200000\"]\n", err: "outside memory"},
		{name: "heap.toml", contents: "heap = \"0x7fffffff0000-0x800000010000\"\n", err: "canonical"},
		{name: "format.yaml", contents: "log_format: xml\n", err: "log format"},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(writeFile(t, test.name, test.contents))
			if err == nil || !strings.Contains(err.Error(), test.err) {
				t.Errorf("Load() = %v, want error containing %q", err, test.err)
			}
		})
	}
}

func TestParseBytes(t *testing.T) {
	for _, test := range []struct {
		in   string
		want Bytes
		err  bool
	}{
		{in: "4096", want: 4096},
		{in: "0x1000", want: 4096},
		{in: "0x1b", want: 0x1b},
		{in: "4K", want: 4 << 10},
		{in: "64m", want: 64 << 20},
		{in: "1GiB", want: 1 << 30},
		{in: "2TB", want: 2 << 40},
		{in: "", err: true},
		{in: "12Q", err: true},
		{in: "100000000T", err: true},
	} {
		got, err := ParseBytes(test.in)
		if (err != nil) != test.err {
			t.Errorf("ParseBytes(%q) error = %v, want error %t", test.in, err, test.err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseBytes(%q) = %d, want %d", test.in, got, test.want)
		}
	}
}

func TestBytesString(t *testing.T) {
	for _, test := range []struct {
		b    Bytes
		want string
	}{
		{b: 0, want: "0"},
		{b: 1000, want: "1000"},
		{b: 4096, want: "4K"},
		{b: 3 << 20, want: "3M"},
		{b: 1 << 30, want: "1G"},
		{b: 1<<30 + 1<<20, want: "1025M"},
	} {
		if got := test.b.String(); got != test.want {
			t.Errorf("Bytes(%d).String() = %q, want %q", uint64(test.b), got, test.want)
		}
	}
}

func TestSizes(t *testing.T) {
	for _, test := range []struct {
		sizes PageSizes
		want  []memory.SizeClass
	}{
		{sizes: PageSizesBase, want: []memory.SizeClass{memory.SizeBase}},
		{sizes: PageSizes2M, want: []memory.SizeClass{memory.SizeBase, memory.SizeHuge2M}},
		{sizes: PageSizesAll, want: []memory.SizeClass{memory.SizeBase, memory.SizeHuge2M, memory.SizeHuge1G}},
	} {
		c := Default()
		c.PageSizes = test.sizes
		if diff := cmp.Diff(test.want, c.Sizes().Supported()); diff != "" {
			t.Errorf("Sizes(%s).Supported() mismatch (-want +got):\n%s", test.sizes, diff)
		}
	}
}
