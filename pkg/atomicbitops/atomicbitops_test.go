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

package atomicbitops

import (
	"sync"
	"testing"
)

func TestBoolCompareAndSwapOnce(t *testing.T) {
	var (
		b    Bool
		wins Uint64
		wg   sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.CompareAndSwap(false, true) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Errorf("CompareAndSwap succeeded %d times, want 1", got)
	}
	if !b.Load() {
		t.Errorf("Load() = false after a successful swap")
	}
}

func TestUint64Sub(t *testing.T) {
	u := FromUint64(10)
	if got := u.Sub(3); got != 7 {
		t.Errorf("Sub(3) = %d, want 7", got)
	}
	if got := u.Add(5); got != 12 {
		t.Errorf("Add(5) = %d, want 12", got)
	}
}
