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

package mm

import (
	"encoding/binary"
	"errors"
	"testing"

	"gvisor.dev/vmem/pkg/memory"
)

type header struct {
	Magic uint32
	Flags uint16
	_     uint16
	Len   uint64
}

func TestAsType(t *testing.T) {
	env := newTestEnv(t, 16<<20, allSizes)
	m, err := CreateMappingOf(env.as, memory.BaseCapability(), 2*page, rw)
	if err != nil {
		t.Fatalf("CreateMappingOf: %v", err)
	}
	defer m.Close()

	h, err := AsTypeMut[header](m, 64)
	if err != nil {
		t.Fatalf("AsTypeMut: %v", err)
	}
	h.Magic = 0xfeedface
	h.Len = 1 << 40

	raw := make([]byte, 16)
	if _, err := m.ReadAt(raw, 64); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got := binary.LittleEndian.Uint32(raw); got != 0xfeedface {
		t.Errorf("magic in memory = %#x, want %#x", got, 0xfeedface)
	}
	if got := binary.LittleEndian.Uint64(raw[8:]); got != 1<<40 {
		t.Errorf("len in memory = %#x, want %#x", got, uint64(1<<40))
	}

	got, err := AsType[header](m, 64)
	if err != nil {
		t.Fatalf("AsType: %v", err)
	}
	if *got != *h {
		t.Errorf("AsType = %+v, want %+v", *got, *h)
	}

	words, err := AsSliceMut[uint64](m, 0, 2*page/8)
	if err != nil {
		t.Fatalf("AsSliceMut: %v", err)
	}
	words[len(words)-1] = 7
	last, err := AsSlice[uint64](m, 2*page-8, 1)
	if err != nil {
		t.Fatalf("AsSlice: %v", err)
	}
	if last[0] != 7 {
		t.Errorf("last word = %d, want 7", last[0])
	}
}

func TestAsTypeErrors(t *testing.T) {
	env := newTestEnv(t, 16<<20, allSizes)
	m, err := CreateMappingOf(env.as, memory.BaseCapability(), page, ro)
	if err != nil {
		t.Fatalf("CreateMappingOf: %v", err)
	}

	for _, test := range []struct {
		name string
		err  error
		want error
	}{
		{
			name: "misaligned",
			err:  func() error { _, err := AsType[uint64](m, 4); return err }(),
			want: memory.ErrAlignment,
		},
		{
			name: "past the end",
			err:  func() error { _, err := AsSlice[uint64](m, page-8, 2); return err }(),
			want: memory.ErrOutOfBounds,
		},
		{
			name: "pointers",
			err:  func() error { _, err := AsType[*int](m, 0); return err }(),
			want: memory.ErrIncompatible,
		},
		{
			name: "empty",
			err:  func() error { _, err := AsSlice[uint32](m, 0, 0); return err }(),
			want: memory.ErrInvalidCount,
		},
		{
			name: "read only",
			err:  func() error { _, err := AsTypeMut[uint32](m, 0); return err }(),
			want: memory.ErrPermission,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if !errors.Is(test.err, test.want) {
				t.Errorf("got %v, want %v", test.err, test.want)
			}
		})
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := AsType[uint32](m, 0); !errors.Is(err, memory.ErrAlreadyUnmapped) {
		t.Errorf("AsType after Close = %v, want %v", err, memory.ErrAlreadyUnmapped)
	}
}
