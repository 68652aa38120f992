// Copyright 2024 The Nucleus Authors.
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
	"testing"

	"nucleus.dev/nucleus/pkg/hostarch"
)

func TestAllocFree(t *testing.T) {
	p := NewSimPool()

	a := p.AllocPage()
	b := p.AllocPage()
	if a == 0 || b == 0 || a == b {
		t.Fatalf("bad allocations %#x %#x", a, b)
	}
	if p.AllocatedBytes() != 2*hostarch.PageSize {
		t.Errorf("AllocatedBytes = %d", p.AllocatedBytes())
	}

	view := p.View(a, hostarch.PageSize)
	view[123] = 0x42
	if p.View(a+120, 8)[3] != 0x42 {
		t.Error("interior view does not alias the page")
	}

	p.FreePage(a)
	p.FreePage(b)
	if p.AllocatedBytes() != 0 {
		t.Errorf("AllocatedBytes after free = %d", p.AllocatedBytes())
	}
}

func TestHugeAlignment(t *testing.T) {
	p := NewSimPool()
	p.AllocPage() // misalign the bump pointer

	h := p.AllocHugePage(hostarch.HugePageSize)
	if h&(hostarch.HugePageSize-1) != 0 {
		t.Errorf("huge page at %#x not naturally aligned", h)
	}
}

func TestPiecemealHugeFree(t *testing.T) {
	p := NewSimPool()

	h := p.AllocHugePage(hostarch.HugePageSize)
	p.View(h, hostarch.HugePageSize)[0] = 1

	// Freeing a split huge page 4K at a time must keep the remaining
	// pieces addressable and eventually release the slab.
	p.FreePage(h)
	rest := p.View(h+hostarch.PageSize, hostarch.PageSize)
	_ = rest
	for off := uintptr(hostarch.PageSize); off < hostarch.HugePageSize; off += hostarch.PageSize {
		p.FreePage(h + off)
	}
	if p.AllocatedBytes() != 0 {
		t.Errorf("AllocatedBytes after piecemeal free = %d", p.AllocatedBytes())
	}
}
