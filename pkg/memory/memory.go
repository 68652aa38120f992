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

// Package memory abstracts the physical page allocator. The memory manager
// consumes the Pool interface; SimPool is a pure-Go rendition used by tests
// and by hosts without a real physical allocator.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"nucleus.dev/nucleus/pkg/hostarch"
)

// Pool is the physical page allocator consumed by the memory manager.
//
// Physical addresses returned by Alloc* are page-aligned and never zero.
// AllocPage and AllocHugePage return 0 on exhaustion; the caller maps that to
// its own out-of-memory error.
type Pool interface {
	// AllocPage allocates one base page and returns its physical address.
	AllocPage() uintptr

	// AllocHugePage allocates one naturally aligned huge page of the given
	// size and returns its physical address.
	AllocHugePage(size uintptr) uintptr

	// FreePage releases a base page previously returned by AllocPage, or a
	// base-page-sized piece of a huge page. Huge pages may be freed
	// piecemeal after a split.
	FreePage(phys uintptr)

	// FreeHugePage releases a huge page previously returned by
	// AllocHugePage.
	FreeHugePage(phys, size uintptr)

	// View returns the backing bytes for [phys, phys+size). The range must
	// lie within a single live allocation.
	View(phys, size uintptr) []byte
}

// SimPool is a Pool backed by ordinary Go allocations. Physical addresses
// are synthesized from a bump counter; contents live in page-indexed slabs.
type SimPool struct {
	next atomic.Uintptr

	mu sync.Mutex
	// slabs maps the base physical address of every live allocation to its
	// backing bytes. pages maps each base page within a live allocation to
	// the allocation's base, so View can serve interior ranges.
	slabs map[uintptr][]byte
	pages map[uintptr]uintptr

	allocated atomic.Uint64
}

// NewSimPool returns an empty SimPool.
func NewSimPool() *SimPool {
	p := &SimPool{
		slabs: make(map[uintptr][]byte),
		pages: make(map[uintptr]uintptr),
	}
	// Skip physical page zero so that no allocation ever maps to physical
	// address 0, which the page tables use as "empty".
	p.next.Store(hostarch.PageSize)
	return p
}

func (p *SimPool) alloc(size uintptr) uintptr {
	phys := p.next.Add(size) - size
	if phys&(size-1) != 0 {
		// Natural alignment for huge pages: retry from an aligned base.
		// The skipped bytes are simulated, so nothing leaks.
		for {
			cur := p.next.Load()
			aligned := hostarch.AlignUp(cur, size)
			if p.next.CompareAndSwap(cur, aligned+size) {
				phys = aligned
				break
			}
		}
	}
	p.mu.Lock()
	p.slabs[phys] = make([]byte, size)
	for off := uintptr(0); off < size; off += hostarch.PageSize {
		p.pages[phys+off] = phys
	}
	p.mu.Unlock()
	p.allocated.Add(uint64(size))
	return phys
}

// AllocPage implements Pool.AllocPage.
func (p *SimPool) AllocPage() uintptr {
	return p.alloc(hostarch.PageSize)
}

// AllocHugePage implements Pool.AllocHugePage.
func (p *SimPool) AllocHugePage(size uintptr) uintptr {
	return p.alloc(size)
}

// FreePage implements Pool.FreePage.
func (p *SimPool) FreePage(phys uintptr) {
	p.free(phys, hostarch.PageSize)
}

// FreeHugePage implements Pool.FreeHugePage.
func (p *SimPool) FreeHugePage(phys, size uintptr) {
	p.free(phys, size)
}

func (p *SimPool) free(phys, size uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	base, ok := p.pages[phys]
	if !ok {
		panic(fmt.Sprintf("memory: free of unallocated physical page %#x", phys))
	}
	slab := p.slabs[base]
	if base == phys && uintptr(len(slab)) == size {
		// Whole-allocation free.
		delete(p.slabs, base)
		for off := uintptr(0); off < size; off += hostarch.PageSize {
			delete(p.pages, base+off)
		}
		p.allocated.Add(^uint64(size - 1))
		return
	}
	// Piecemeal free of a split huge page: detach the base pages. The slab
	// stays alive until its last page is freed.
	for off := uintptr(0); off < size; off += hostarch.PageSize {
		delete(p.pages, phys+off)
	}
	p.allocated.Add(^uint64(size - 1))
	remaining := false
	for off := uintptr(0); off < uintptr(len(slab)); off += hostarch.PageSize {
		if _, ok := p.pages[base+off]; ok {
			remaining = true
			break
		}
	}
	if !remaining {
		delete(p.slabs, base)
	}
}

// View implements Pool.View.
func (p *SimPool) View(phys, size uintptr) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	base, ok := p.pages[hostarch.PageRoundDown(phys)]
	if !ok {
		panic(fmt.Sprintf("memory: view of unallocated physical range [%#x, %#x)", phys, phys+size))
	}
	slab := p.slabs[base]
	off := phys - base
	if off+size > uintptr(len(slab)) {
		panic(fmt.Sprintf("memory: view [%#x, %#x) spans allocations", phys, phys+size))
	}
	return slab[off : off+size]
}

// AllocatedBytes returns the number of physical bytes currently allocated.
func (p *SimPool) AllocatedBytes() uint64 {
	return p.allocated.Load()
}
