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

import "errors"

// Errors returned by the virtual memory subsystem. Callers match them with
// errors.Is; operations wrap them with context.
var (
	// ErrUnsupportedSize is returned when a page size is requested that
	// the processor cannot map.
	ErrUnsupportedSize = errors.New("page size not supported by this processor")

	// ErrOutOfVirtualSpace is returned when no free, suitably aligned run
	// of virtual pages exists.
	ErrOutOfVirtualSpace = errors.New("out of virtual address space")

	// ErrOutOfMemory is returned when physical frames or page table nodes
	// cannot be allocated.
	ErrOutOfMemory = errors.New("out of physical memory")

	// ErrEntryAlreadyPresent is returned when a mapping would overwrite a
	// present page table entry.
	ErrEntryAlreadyPresent = errors.New("page table entry already present")

	// ErrAlignment is returned when an address is not aligned to its page
	// size.
	ErrAlignment = errors.New("address not aligned to page size")

	// ErrNonCanonical is returned for virtual addresses whose upper bits
	// are not a sign extension of bit 47.
	ErrNonCanonical = errors.New("non-canonical virtual address")

	// ErrInvalidCount is returned for zero-length or overflowing requests.
	ErrInvalidCount = errors.New("invalid page count")

	// ErrCountMismatch is returned when pages and frames of different
	// lengths are mapped together.
	ErrCountMismatch = errors.New("page and frame counts differ")

	// ErrNotMapped is returned when a translation or unmap finds no leaf
	// entry.
	ErrNotMapped = errors.New("address not mapped")

	// ErrAlreadyUnmapped is returned by a second Unmap of the same mapping.
	ErrAlreadyUnmapped = errors.New("mapping already unmapped")

	// ErrTokenConsumed is returned when an ownership token is used after
	// it was released or absorbed by a mapping.
	ErrTokenConsumed = errors.New("ownership token already consumed")

	// ErrPermission is returned when an access is not allowed by the
	// mapping's flags.
	ErrPermission = errors.New("access not permitted by mapping flags")

	// ErrOutOfBounds is returned for accesses outside a mapping.
	ErrOutOfBounds = errors.New("offset out of bounds")

	// ErrIncompatible is returned when two objects cannot be combined.
	ErrIncompatible = errors.New("incompatible objects")

	// ErrLiveMappings is returned when releasing an address space that
	// still holds mappings.
	ErrLiveMappings = errors.New("address space has live mappings")
)
