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
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"gvisor.dev/vmem/pkg/hostarch"
)

// RegisterFlags registers flags used to override a Config. Their defaults
// are those of Default.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := Default()

	// Memory flags.
	flagSet.Var(bytesPtr(def.MemorySize), "memory-size", "size of simulated physical memory, e.g. 256M or 1G.")
	flagSet.Var(rangePtr(def.Heap), "heap", "virtual region kernel mappings are allocated from, as start-end in hex.")
	flagSet.Var(pageSizesPtr(def.PageSizes), "page-sizes", "page sizes treated as supported: host (default), base, 2m, all.")
	flagSet.Var(&Ranges{}, "reserved", "comma-separated physical ranges never handed out, as start-end in hex.")

	// Machine flags.
	flagSet.Int("cpus", def.CPUs, "number of simulated CPUs.")
	flagSet.Duration("shootdown-timeout", def.ShootdownTimeout, "how long a TLB shootdown waits for every CPU before panicking.")

	// Debugging flags.
	flagSet.String("log-format", def.LogFormat, "log format: text (default), json, logrus, logrus-json.")
	flagSet.String("log-file", def.LogFile, "file path where logs are written, default is stderr. %PID% and %TIMESTAMP% are replaced.")
	flagSet.Bool("debug", def.Debug, "enable debug logging.")
}

// ApplyFlags overrides conf with every flag explicitly set in flagSet, then
// validates the result.
func ApplyFlags(conf *Config, flagSet *flag.FlagSet) error {
	set := make(map[string]struct{})
	flagSet.Visit(func(f *flag.Flag) {
		set[f.Name] = struct{}{}
	})

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if _, ok := set[name]; !ok {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}
	return conf.Validate()
}

// ToFlags returns the flags that reproduce conf, omitting those at their
// default value.
func (c *Config) ToFlags() []string {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := getVal(obj.Field(i))
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, "--"+name+"="+val)
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// Bytes is a size in bytes. Its text form is a number with an optional K,
// M, G or T suffix.
type Bytes uint64

func bytesPtr(v Bytes) *Bytes {
	return &v
}

var byteUnits = []struct {
	suffix string
	shift  uint
}{
	{"T", 40},
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// ParseBytes parses a size such as "4096", "0x1000", "64M" or "1GiB".
func ParseBytes(s string) (Bytes, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q", s)
		}
		return Bytes(n), nil
	}
	u := strings.TrimSuffix(strings.TrimSuffix(strings.ToUpper(s), "B"), "I")
	var shift uint
	for _, unit := range byteUnits {
		if strings.HasSuffix(u, unit.suffix) {
			u = strings.TrimSuffix(u, unit.suffix)
			shift = unit.shift
			break
		}
	}
	n, err := strconv.ParseUint(u, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Bytes(n << shift), nil
}

// Get implements flag.Getter.Get.
func (b *Bytes) Get() any {
	return *b
}

// Set implements flag.Value.Set.
func (b *Bytes) Set(v string) error {
	n, err := ParseBytes(v)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// String implements flag.Value.String.
func (b *Bytes) String() string {
	for _, unit := range byteUnits {
		if n := uint64(*b); n != 0 && n&(1<<unit.shift-1) == 0 {
			return strconv.FormatUint(n>>unit.shift, 10) + unit.suffix
		}
	}
	return strconv.FormatUint(uint64(*b), 10)
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (b *Bytes) UnmarshalText(text []byte) error {
	return b.Set(string(text))
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (b Bytes) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Range is a half-open address range. Its text form is "start-end" in hex.
type Range struct {
	Start uint64
	End   uint64
}

func rangePtr(r Range) *Range {
	return &r
}

// AddrRange returns r as a virtual range.
func (r Range) AddrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: hostarch.Addr(r.Start), End: hostarch.Addr(r.End)}
}

// Get implements flag.Getter.Get.
func (r *Range) Get() any {
	return *r
}

// Set implements flag.Value.Set.
func (r *Range) Set(v string) error {
	start, end, ok := strings.Cut(strings.TrimSpace(v), "-")
	if !ok {
		return fmt.Errorf("invalid range %q, want start-end", v)
	}
	s, err := strconv.ParseUint(strings.TrimPrefix(start, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("invalid range start in %q: %v", v, err)
	}
	e, err := strconv.ParseUint(strings.TrimPrefix(end, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("invalid range end in %q: %v", v, err)
	}
	if e < s {
		return fmt.Errorf("invalid range %q: end before start", v)
	}
	*r = Range{Start: s, End: e}
	return nil
}

// String implements flag.Value.String.
func (r *Range) String() string {
	return fmt.Sprintf("%#x-%#x", r.Start, r.End)
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (r *Range) UnmarshalText(text []byte) error {
	return r.Set(string(text))
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (r Range) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Ranges is a list of ranges. As a flag it takes a comma-separated list and
// may be repeated.
type Ranges []Range

// Get implements flag.Getter.Get.
func (rs *Ranges) Get() any {
	return *rs
}

// Set implements flag.Value.Set.
func (rs *Ranges) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s == "" {
			continue
		}
		var r Range
		if err := r.Set(s); err != nil {
			return err
		}
		*rs = append(*rs, r)
	}
	return nil
}

// String implements flag.Value.String.
func (rs *Ranges) String() string {
	if rs == nil {
		return ""
	}
	parts := make([]string, 0, len(*rs))
	for _, r := range *rs {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}

// PageSizes selects which page sizes are treated as supported.
type PageSizes string

// Page size selections.
const (
	// PageSizesHost uses what the host processor reports.
	PageSizesHost PageSizes = "host"

	// PageSizesBase allows only 4K pages.
	PageSizesBase PageSizes = "base"

	// PageSizes2M allows 4K and 2M pages.
	PageSizes2M PageSizes = "2m"

	// PageSizesAll allows every page size.
	PageSizesAll PageSizes = "all"
)

func pageSizesPtr(p PageSizes) *PageSizes {
	return &p
}

// Get implements flag.Getter.Get.
func (p *PageSizes) Get() any {
	return *p
}

// Set implements flag.Value.Set.
func (p *PageSizes) Set(v string) error {
	switch s := PageSizes(strings.ToLower(v)); s {
	case PageSizesHost, PageSizesBase, PageSizes2M, PageSizesAll:
		*p = s
		return nil
	}
	return fmt.Errorf("invalid page sizes %q, must be one of host, base, 2m, all", v)
}

// String implements flag.Value.String.
func (p *PageSizes) String() string {
	return string(*p)
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (p *PageSizes) UnmarshalText(text []byte) error {
	return p.Set(string(text))
}
