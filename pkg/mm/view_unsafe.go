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
	"fmt"
	"reflect"
	"unsafe"

	"gvisor.dev/vmem/pkg/memory"
)

// AsType returns a pointer to the T at offset in m, for reading. T must be
// free of Go pointers, and the value must be suitably aligned and lie within
// one frame run. The pointer aliases the frames and must not be used after m
// is unmapped.
func AsType[T any, S memory.Size](m *MappedPages[S], offset uint64) (*T, error) {
	b, err := view[T](m.Slice, offset, 1)
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(b))), nil
}

// AsTypeMut is like AsType, but for writing.
func AsTypeMut[T any, S memory.Size](m *MappedPages[S], offset uint64) (*T, error) {
	b, err := view[T](m.SliceMut, offset, 1)
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(b))), nil
}

// AsSlice returns the n values of type T starting at offset in m, for
// reading. The constraints of AsType apply.
func AsSlice[T any, S memory.Size](m *MappedPages[S], offset uint64, n int) ([]T, error) {
	b, err := view[T](m.Slice, offset, n)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n), nil
}

// AsSliceMut is like AsSlice, but for writing.
func AsSliceMut[T any, S memory.Size](m *MappedPages[S], offset uint64, n int) ([]T, error) {
	b, err := view[T](m.SliceMut, offset, n)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n), nil
}

// view checks that n values of T fit at offset and returns their bytes.
func view[T any](slice func(offset, length uint64) ([]byte, error), offset uint64, n int) ([]byte, error) {
	var zero T
	typ := reflect.TypeOf(&zero).Elem()
	if hasPointers(typ) {
		return nil, fmt.Errorf("view of %v: type contains pointers: %w", typ, memory.ErrIncompatible)
	}
	size := uint64(unsafe.Sizeof(zero))
	if n <= 0 || size == 0 {
		return nil, fmt.Errorf("view of %d %v: %w", n, typ, memory.ErrInvalidCount)
	}
	if align := uint64(unsafe.Alignof(zero)); offset%align != 0 {
		return nil, fmt.Errorf("view of %v at offset %d: %w", typ, offset, memory.ErrAlignment)
	}
	length := size * uint64(n)
	if length/uint64(n) != size || offset+length < offset {
		return nil, fmt.Errorf("view of %d %v at offset %d: %w", n, typ, offset, memory.ErrOutOfBounds)
	}
	return slice(offset, length)
}

// hasPointers returns true if values of t may hold Go pointers.
func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return hasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
