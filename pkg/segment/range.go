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

package segment

import "fmt"

// Key is the type of a segment endpoint.
type Key interface {
	~uint64 | ~uintptr
}

// Range is a half-open interval [Start, End).
type Range[K Key] struct {
	// Start is the inclusive start of the range.
	Start K

	// End is the exclusive end of the range.
	End K
}

// WellFormed returns true if r.Start <= r.End. All other methods on a Range
// require that the Range is well-formed.
func (r Range[K]) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r Range[K]) Length() K {
	return r.End - r.Start
}

// Contains returns true if r contains x.
func (r Range[K]) Contains(x K) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r Range[K]) Overlaps(r2 Range[K]) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r is a superset of r2; that is, the range r2 is
// contained within r.
func (r Range[K]) IsSupersetOf(r2 Range[K]) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// Intersect returns a range consisting of the intersection between r and r2.
// If r and r2 do not overlap, Intersect returns a range with unspecified
// bounds, but for which Length() == 0.
func (r Range[K]) Intersect(r2 Range[K]) Range[K] {
	if r.Start < r2.Start {
		r.Start = r2.Start
	}
	if r.End > r2.End {
		r.End = r2.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// String implements fmt.Stringer.String.
func (r Range[K]) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
