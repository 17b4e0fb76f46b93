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

// Package bits includes alignment and bit manipulation helpers shared by the
// allocators and the page table code.
package bits

import "math/bits"

// Uint is the set of unsigned integer types accepted by this package.
type Uint interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn[T Uint](mask, bits T) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn[T Uint](mask, bits T) bool {
	return mask&bits != 0
}

// Mask returns a T with all of the given bits set.
func Mask[T Uint](is ...int) T {
	ret := T(0)
	for _, i := range is {
		ret |= MaskOf[T](i)
	}
	return ret
}

// MaskOf is like Mask, but sets only a single bit (more efficiently).
func MaskOf[T Uint](i int) T {
	return T(1) << T(i)
}

// IsPowerOfTwo returns true if v is a power of two.
func IsPowerOfTwo[T Uint](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown[T Uint](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
// ok is false if the result overflows T.
func AlignUp[T Uint](v, align T) (T, bool) {
	r := (v + align - 1) &^ (align - 1)
	return r, r >= v
}

// IsAligned returns true if v is a multiple of align, which must be a power of
// two.
func IsAligned[T Uint](v, align T) bool {
	return v&(align-1) == 0
}

// TrailingZeros64 returns the number of trailing zero bits in v, or 64 if v is
// zero.
func TrailingZeros64(v uint64) int {
	return bits.TrailingZeros64(v)
}
