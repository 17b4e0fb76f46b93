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

package memory

import (
	"fmt"

	"gvisor.dev/vmem/pkg/cpuid"
	"gvisor.dev/vmem/pkg/sync"
)

// Sizes caches which page sizes the processor supports. The probe is queried
// once, on first use, and never again.
type Sizes struct {
	probe     cpuid.Probe
	once      sync.Once
	supported [NumSizeClasses]bool
}

// NewSizes returns a Sizes that consults probe.
func NewSizes(probe cpuid.Probe) *Sizes {
	return &Sizes{probe: probe}
}

func (s *Sizes) load() {
	s.once.Do(func() {
		s.supported[SizeBase] = true
		s.supported[SizeHuge2M] = s.probe.HasFeature(cpuid.X86FeaturePSE)
		s.supported[SizeHuge1G] = s.probe.HasFeature(cpuid.X86FeaturePDPE1GB)
	})
}

// Supports returns true if pages of class c can be mapped.
func (s *Sizes) Supports(c SizeClass) bool {
	if !c.Valid() {
		return false
	}
	s.load()
	return s.supported[c]
}

// Supported returns the supported classes, smallest first.
func (s *Sizes) Supported() []SizeClass {
	var cs []SizeClass
	for c := SizeBase; c < NumSizeClasses; c++ {
		if s.Supports(c) {
			cs = append(cs, c)
		}
	}
	return cs
}

// OfSize returns a capability for class c, or ErrUnsupportedSize if the
// processor cannot map pages of that size. The base size always succeeds.
func (s *Sizes) OfSize(c SizeClass) (SizeCapability, error) {
	if !s.Supports(c) {
		return SizeCapability{}, fmt.Errorf("%v: %w", c, ErrUnsupportedSize)
	}
	return SizeCapability{class: c, valid: true}, nil
}

var hostSizes = sync.OnceValue(func() *Sizes {
	return NewSizes(cpuid.HostFeatureSet())
})

// HostSizes returns the Sizes of the host processor.
func HostSizes() *Sizes {
	return hostSizes()
}

// OfSize is Sizes.OfSize on the host processor.
func OfSize(c SizeClass) (SizeCapability, error) {
	return HostSizes().OfSize(c)
}

// SizeCapability is proof that pages of some class can be mapped. The zero
// value is not valid.
type SizeCapability struct {
	class SizeClass
	valid bool
}

// Valid returns true if the capability was issued by Sizes.OfSize.
func (c SizeCapability) Valid() bool {
	return c.valid
}

// Class returns the size class.
func (c SizeCapability) Class() SizeClass {
	return c.class
}

// ByteSize returns the page size in bytes.
func (c SizeCapability) ByteSize() uint64 {
	return c.class.Bytes()
}

// Alignment returns the page alignment in bytes.
func (c SizeCapability) Alignment() uint64 {
	return c.class.Alignment()
}

// TableLevel returns the page table level of leaves of this size.
func (c SizeCapability) TableLevel() int {
	return c.class.TableLevel()
}

// String implements fmt.Stringer.String.
func (c SizeCapability) String() string {
	if !c.valid {
		return "invalid"
	}
	return c.class.String()
}

// Capability is the statically sized form of SizeCapability. It is required
// to construct any Page[S] or Frame[S]. The zero value is not valid.
type Capability[S Size] struct {
	valid bool
}

// CapabilityFor converts a dynamic capability to a static one. It fails
// if c is invalid or is for a different class than S.
func CapabilityFor[S Size](c SizeCapability) (Capability[S], error) {
	if !c.valid {
		return Capability[S]{}, fmt.Errorf("invalid capability: %w", ErrUnsupportedSize)
	}
	if want := ClassOf[S](); c.class != want {
		return Capability[S]{}, fmt.Errorf("capability for %v used as %v: %w", c.class, want, ErrIncompatible)
	}
	return Capability[S]{valid: true}, nil
}

// Require returns a capability for S if s supports it.
func Require[S Size](s *Sizes) (Capability[S], error) {
	c, err := s.OfSize(ClassOf[S]())
	if err != nil {
		return Capability[S]{}, err
	}
	return CapabilityFor[S](c)
}

// BaseCapability returns the capability for base pages, which every
// processor supports.
func BaseCapability() Capability[Base] {
	return Capability[Base]{valid: true}
}

// Valid returns true if c was obtained from CapabilityFor, Require or
// BaseCapability.
func (c Capability[S]) Valid() bool {
	return c.valid
}

// Class returns the size class of S.
func (Capability[S]) Class() SizeClass {
	return ClassOf[S]()
}

// Dynamic returns the SizeCapability equivalent of c.
func (c Capability[S]) Dynamic() SizeCapability {
	return SizeCapability{class: ClassOf[S](), valid: c.valid}
}

// Check returns ErrUnsupportedSize if c is the zero value.
func (c Capability[S]) Check() error {
	if !c.valid {
		return fmt.Errorf("%v: invalid capability: %w", ClassOf[S](), ErrUnsupportedSize)
	}
	return nil
}
