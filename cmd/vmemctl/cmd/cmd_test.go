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
	"strings"
	"testing"

	"github.com/google/subcommands"
	"gvisor.dev/vmem/pkg/config"
)

func testConfig() *config.Config {
	conf := config.Default()
	conf.MemorySize = 64 << 20
	conf.CPUs = 2
	conf.PageSizes = config.PageSizes2M
	return conf
}

// run parses args into the command's flags and executes it with conf.
func run(t *testing.T, c subcommands.Command, conf *config.Config, args ...string) subcommands.ExitStatus {
	t.Helper()
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return c.Execute(context.Background(), fs, conf)
}

func TestHugePageTest(t *testing.T) {
	for _, size := range []string{"4K", "2M"} {
		t.Run(size, func(t *testing.T) {
			var buf bytes.Buffer
			c := &HugePageTest{output: output{w: &buf}}
			if got := run(t, c, testConfig(), "-size", size); got != subcommands.ExitSuccess {
				t.Fatalf("Execute: got %v, want success", got)
			}
			if !strings.Contains(buf.String(), ": ok") {
				t.Errorf("output %q does not report success", buf.String())
			}
		})
	}
}

func TestHugePageTestUnsupported(t *testing.T) {
	var buf bytes.Buffer
	c := &HugePageTest{output: output{w: &buf}}
	// 1G pages are disabled and the memory is too small for one anyway.
	if got := run(t, c, testConfig(), "-size", "1G"); got != subcommands.ExitFailure {
		t.Errorf("Execute: got %v, want failure", got)
	}
	if got := run(t, c, testConfig(), "-size", "3M"); got != subcommands.ExitUsageError {
		t.Errorf("Execute: got %v, want usage error", got)
	}
}

func TestMap(t *testing.T) {
	for _, tc := range []struct {
		name  string
		args  []string
		class string
	}{
		{
			name:  "base",
			args:  []string{"-bytes", "12K"},
			class: "4K x 3",
		},
		{
			name:  "auto",
			args:  []string{"-bytes", "4M", "-auto"},
			class: "2M x 2",
		},
		{
			name:  "explicit",
			args:  []string{"-bytes", "4M", "-class", "4K", "-dump", "-read-only"},
			class: "4K x 1024",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			c := &Map{output: output{w: &buf}}
			if got := run(t, c, testConfig(), tc.args...); got != subcommands.ExitSuccess {
				t.Fatalf("Execute: got %v, want success", got)
			}
			if !strings.Contains(buf.String(), tc.class) {
				t.Errorf("output %q does not contain %q", buf.String(), tc.class)
			}
		})
	}
}

func TestMapUsage(t *testing.T) {
	c := &Map{output: output{w: new(bytes.Buffer)}}
	if got := run(t, c, testConfig()); got != subcommands.ExitUsageError {
		t.Errorf("Execute without -bytes: got %v, want usage error", got)
	}
}

func TestStress(t *testing.T) {
	var buf bytes.Buffer
	c := &Stress{output: output{w: &buf}}
	if got := run(t, c, testConfig(), "-workers", "4", "-iterations", "20", "-max-pages", "8"); got != subcommands.ExitSuccess {
		t.Fatalf("Execute: got %v, want success; output %q", got, buf.String())
	}
}

func TestMetrics(t *testing.T) {
	var buf bytes.Buffer
	c := &Metrics{output: output{w: &buf}}
	if got := run(t, c, testConfig(), "-mappings", "3"); got != subcommands.ExitSuccess {
		t.Fatalf("Execute: got %v, want success", got)
	}
	for _, name := range []string{"vmem_physical_total_bytes", "vmem_physical_free_bytes", "vmem_kernel_mappings"} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("output does not contain %q:\n%s", name, buf.String())
		}
	}
}

func TestStressSingleWorker(t *testing.T) {
	var buf bytes.Buffer
	c := &Stress{output: output{w: &buf}}
	if got := run(t, c, testConfig(), "-workers", "1", "-iterations", "50"); got != subcommands.ExitSuccess {
		t.Fatalf("Execute: got %v, want success; output %q", got, buf.String())
	}
	if !strings.Contains(buf.String(), ": ok") {
		t.Errorf("output %q does not report success", buf.String())
	}
}
