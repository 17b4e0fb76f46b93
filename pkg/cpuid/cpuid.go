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

// Package cpuid provides basic functionality for creating and querying CPU
// feature sets.
//
// The virtual memory subsystem only cares about the paging features of the
// processor: whether large pages are supported at the PMD (2MiB) and PUD
// (1GiB) levels, and the related global-page, PCID and NX bits. To use
// FeatureSets, start with an existing FeatureSet (HostFeatureSet() or a
// static set) and test for features as desired:
//
//	if HostFeatureSet().HasFeature(X86FeaturePDPE1GB) {
//		// 1GiB leaves may be installed in the PUD.
//	}
package cpuid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gvisor.dev/vmem/pkg/sync"
)

// Feature is a unique identifier for a particular cpu feature.
//
// Features are numbered according to "blocks". Each block is 32 bits, and
// feature bits from the same cpuid leaf are in the same block, so that a
// Feature number identifies the bit that reports it.
type Feature int

// Block 0 is cpuid leaf 1, edx.
const (
	X86FeatureFPU   Feature = 0
	X86FeaturePSE   Feature = 3
	X86FeaturePAE   Feature = 6
	X86FeaturePGE   Feature = 13
	X86FeaturePSE36 Feature = 17
)

// Block 1 is cpuid leaf 1, ecx.
const (
	X86FeaturePCID Feature = 32 + 17
)

// Block 2 is cpuid leaf 7, ebx.
const (
	X86FeatureINVPCID Feature = 64 + 10
)

// Block 3 is cpuid leaf 0x80000001, edx.
const (
	X86FeatureNX      Feature = 96 + 20
	X86FeaturePDPE1GB Feature = 96 + 26
	X86FeatureLM      Feature = 96 + 29
)

// featureInfo describes a known feature.
type featureInfo struct {
	// name is the /proc/cpuinfo flag name.
	name string
}

var allFeatures = map[Feature]featureInfo{
	X86FeatureFPU:     {"fpu"},
	X86FeaturePSE:     {"pse"},
	X86FeaturePAE:     {"pae"},
	X86FeaturePGE:     {"pge"},
	X86FeaturePSE36:   {"pse36"},
	X86FeaturePCID:    {"pcid"},
	X86FeatureINVPCID: {"invpcid"},
	X86FeatureNX:      {"nx"},
	X86FeaturePDPE1GB: {"pdpe1gb"},
	X86FeatureLM:      {"lm"},
}

// String implements fmt.Stringer.String.
func (f Feature) String() string {
	if info, ok := allFeatures[f]; ok {
		return info.name
	}
	return fmt.Sprintf("<cpuflag %d>", f)
}

// FeatureFromString returns the Feature associated with the given feature
// string plus a bool to indicate if it could find the feature.
func FeatureFromString(s string) (Feature, bool) {
	for feature, info := range allFeatures {
		if info.name == s {
			return feature, true
		}
	}
	return 0, false
}

// Probe answers feature queries. *FeatureSet implements it; callers that
// need a fixed answer (tests, configuration overrides) use a static set.
type Probe interface {
	// HasFeature tests whether or not a feature is present.
	HasFeature(feature Feature) bool
}

// FeatureSet is a set of Features for a CPU.
type FeatureSet struct {
	// Set is the set of features that are enabled in this FeatureSet.
	Set map[Feature]struct{}
}

// Static returns a FeatureSet containing exactly the given features.
func Static(features ...Feature) *FeatureSet {
	fs := &FeatureSet{Set: make(map[Feature]struct{})}
	for _, f := range features {
		fs.Add(f)
	}
	return fs
}

// HasFeature tests whether or not a feature is in the given feature set.
func (fs *FeatureSet) HasFeature(feature Feature) bool {
	_, ok := fs.Set[feature]
	return ok
}

// Add adds a feature to the set. Duplicates are ignored.
func (fs *FeatureSet) Add(feature Feature) {
	if fs.Set == nil {
		fs.Set = make(map[Feature]struct{})
	}
	fs.Set[feature] = struct{}{}
}

// Remove removes a feature from the set, if present.
func (fs *FeatureSet) Remove(feature Feature) {
	delete(fs.Set, feature)
}

// Subtract returns the features present in fs that are not present in other.
// If all features in fs are present in other, Subtract returns nil.
func (fs *FeatureSet) Subtract(other *FeatureSet) (diff map[Feature]struct{}) {
	for f := range fs.Set {
		if !other.HasFeature(f) {
			if diff == nil {
				diff = make(map[Feature]struct{})
			}
			diff[f] = struct{}{}
		}
	}
	return
}

// FlagString returns the features as a space separated, sorted list of flag
// names, in the same form as the "flags" line of /proc/cpuinfo.
func (fs *FeatureSet) FlagString() string {
	names := make([]string, 0, len(fs.Set))
	for f := range fs.Set {
		names = append(names, f.String())
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

// String implements fmt.Stringer.String.
func (fs *FeatureSet) String() string {
	return "[" + fs.FlagString() + "]"
}

// ParseCPUInfo builds a FeatureSet from the first "flags" line of a
// /proc/cpuinfo style stream. Unknown flags are ignored.
func ParseCPUInfo(r io.Reader) (*FeatureSet, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), ":")
		if !ok || strings.TrimSpace(key) != "flags" {
			continue
		}
		fs := Static()
		for _, flag := range strings.Fields(value) {
			if f, ok := FeatureFromString(flag); ok {
				fs.Add(f)
			}
		}
		return fs, nil
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no flags line found")
}

// ErrIncompatible is returned by CheckCompatible if a requested feature is
// missing from the host.
type ErrIncompatible struct {
	message string
}

// Error implements error.
func (e ErrIncompatible) Error() string {
	return e.message
}

// CheckCompatible returns an ErrIncompatible if fs is not a subset of the
// host feature set.
func (fs *FeatureSet) CheckCompatible(host *FeatureSet) error {
	if diff := fs.Subtract(host); diff != nil {
		missing := Static()
		missing.Set = diff
		return ErrIncompatible{fmt.Sprintf("CPU feature set %v incompatible with host feature set %v (missing: %v)", fs, host, missing)}
	}
	return nil
}

var hostFeatureSet = sync.OnceValue(func() *FeatureSet {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		// Long mode implies 4KiB paging only.
		return Static(X86FeatureLM)
	}
	defer f.Close()
	fs, err := ParseCPUInfo(f)
	if err != nil {
		return Static(X86FeatureLM)
	}
	return fs
})

// HostFeatureSet returns a FeatureSet that matches that of the host machine.
// Callers must not mutate the returned FeatureSet.
func HostFeatureSet() *FeatureSet {
	return hostFeatureSet()
}
