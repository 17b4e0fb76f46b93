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

package cpuid

import (
	"os"
	"strings"
	"testing"
)

var (
	justFPU       = Static(X86FeatureFPU)
	justFPUandPAE = Static(X86FeatureFPU, X86FeaturePAE)
)

func TestSubtract(t *testing.T) {
	if diff := justFPU.Subtract(justFPUandPAE); diff != nil {
		t.Errorf("Got %v is not subset of %v, want diff (%v) to be nil", justFPU, justFPUandPAE, diff)
	}

	if justFPUandPAE.Subtract(justFPU) == nil {
		t.Errorf("Got %v is a subset of %v, want diff to be nil", justFPU, justFPUandPAE)
	}
}

func TestHasFeature(t *testing.T) {
	if !justFPU.HasFeature(X86FeatureFPU) {
		t.Errorf("HasFeature failed, %v should contain %v", justFPU, X86FeatureFPU)
	}

	if justFPU.HasFeature(X86FeaturePDPE1GB) {
		t.Errorf("HasFeature failed, %v should not contain %v", justFPU, X86FeaturePDPE1GB)
	}
}

func TestAdd(t *testing.T) {
	testFeatures := Static()
	testFeatures.Add(X86FeaturePSE)
	if len(testFeatures.Set) != 1 {
		t.Errorf("Got length %v want 1", len(testFeatures.Set))
	}

	if !testFeatures.HasFeature(X86FeaturePSE) {
		t.Errorf("Add failed, got %v want set with %v", testFeatures, X86FeaturePSE)
	}

	// Test that duplicates are ignored.
	testFeatures.Add(X86FeaturePSE)
	if len(testFeatures.Set) != 1 {
		t.Errorf("Got length %v, want 1", len(testFeatures.Set))
	}
}

func TestRemove(t *testing.T) {
	testFeatures := Static(X86FeatureFPU, X86FeaturePAE)
	testFeatures.Remove(X86FeaturePAE)
	if !testFeatures.HasFeature(X86FeatureFPU) || len(testFeatures.Set) != 1 || testFeatures.HasFeature(X86FeaturePAE) {
		t.Errorf("Remove failed, got %v want %v", testFeatures, justFPU)
	}

	// Try removing a feature not in the set.
	testFeatures.Remove(X86FeatureNX)
	if !testFeatures.HasFeature(X86FeatureFPU) || len(testFeatures.Set) != 1 {
		t.Errorf("Remove failed, got %v want %v", testFeatures, justFPU)
	}
}

func TestFeatureFromString(t *testing.T) {
	f, ok := FeatureFromString("pdpe1gb")
	if f != X86FeaturePDPE1GB || !ok {
		t.Errorf("got %v want pdpe1gb", f)
	}

	f, ok = FeatureFromString("bad")
	if ok {
		t.Errorf("got %v want nothing", f)
	}
}

func TestParseCPUInfo(t *testing.T) {
	const cpuinfo = `processor	: 0
vendor_id	: GenuineIntel
flags		: fpu vme de pse tsc msr pae mce cx8 pge nx pdpe1gb rdtscp lm
bugs		:
`
	fs, err := ParseCPUInfo(strings.NewReader(cpuinfo))
	if err != nil {
		t.Fatalf("ParseCPUInfo: %v", err)
	}
	if got, want := fs.FlagString(), "fpu lm nx pae pdpe1gb pge pse"; got != want {
		t.Errorf("FlagString() = %q, want %q", got, want)
	}

	if _, err := ParseCPUInfo(strings.NewReader("processor : 0\n")); err == nil {
		t.Errorf("ParseCPUInfo without flags succeeded")
	}
}

func TestCheckCompatible(t *testing.T) {
	if err := justFPU.CheckCompatible(justFPUandPAE); err != nil {
		t.Errorf("CheckCompatible: %v", err)
	}
	err := justFPUandPAE.CheckCompatible(justFPU)
	if _, ok := err.(ErrIncompatible); !ok {
		t.Errorf("CheckCompatible = %v, want ErrIncompatible", err)
	}
}

// TestHostFeatureFlags tests that all features detected by HostFeatureSet are
// on the host.
func TestHostFeatureFlags(t *testing.T) {
	cpuinfoBytes, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		t.Skipf("no /proc/cpuinfo: %v", err)
	}
	var cpuinfoFlags map[string]struct{}
	for _, line := range strings.Split(string(cpuinfoBytes), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(key) == "flags" {
			cpuinfoFlags = make(map[string]struct{})
			for _, f := range strings.Fields(value) {
				cpuinfoFlags[f] = struct{}{}
			}
			break
		}
	}
	if cpuinfoFlags == nil {
		t.Skipf("no flags in /proc/cpuinfo")
	}

	fs := HostFeatureSet()
	for feature := range allFeatures {
		_, ok := cpuinfoFlags[feature.String()]
		if fs.HasFeature(feature) != ok {
			t.Errorf("HasFeature(%v) = %v, cpuinfo reports %v", feature, fs.HasFeature(feature), ok)
		}
	}
}
