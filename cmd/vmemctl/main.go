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

// Binary vmemctl boots the memory subsystem in-process and exercises it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/vmem/cmd/vmemctl/cmd"
	"gvisor.dev/vmem/pkg/config"
	"gvisor.dev/vmem/pkg/log"
	"gvisor.dev/vmem/pkg/metric"
)

var configPath = flag.String("config", "", "path to a TOML or YAML configuration file.")

func fatalf(format string, v ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", v...)
	os.Exit(128)
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.HugePageTest), "")
	subcommands.Register(new(cmd.Map), "")
	subcommands.Register(new(cmd.Stress), "")
	subcommands.Register(new(cmd.Metrics), "")

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			fatalf("%v", err)
		}
	}
	if err := config.ApplyFlags(conf, flag.CommandLine); err != nil {
		fatalf("%v", err)
	}

	// Set up logging.
	out := os.Stderr
	f, err := log.OpenFile(conf.LogFile)
	if err != nil {
		fatalf("error opening log file %q: %v", conf.LogFile, err)
	}
	if f != nil {
		defer f.Close()
		out = f
	}
	e, err := log.NewEmitter(conf.LogFormat, out)
	if err != nil {
		fatalf("%v", err)
	}
	log.SetTarget(e)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.Infof("vmemctl, %s, %s, %d host CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	log.Infof("Config: %v", conf.ToFlags())

	if err := metric.Initialize(); err != nil {
		fatalf("%v", err)
	}

	status := subcommands.Execute(context.Background(), conf)
	metric.EmitMetricUpdate()
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	if f != nil {
		f.Close()
	}
	os.Exit(int(status))
}
