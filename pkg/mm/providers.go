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

package mm

import (
	"golang.org/x/sys/unix"

	"nucleus.dev/nucleus/pkg/pagetables"
)

// PageProvider supplies and releases the physical pages backing a VMA's
// faults.
type PageProvider interface {
	// Map installs a page for the given VMA offset into ptep, using pte
	// as the proposed entry (its physical address is filled in by the
	// provider). level selects the page size. Returns true iff a new
	// backing page was installed; installation races are not errors.
	Map(offset uintptr, level int, ptep *pagetables.PTE, pte pagetables.PTE, write bool) (bool, error)

	// Unmap releases the page at the given VMA offset. phys is the
	// physical page the entry held. Returning true authorizes the walker
	// to free the page once the TLB flush completes.
	Unmap(phys uintptr, offset uintptr, level int, ptep *pagetables.PTE) bool
}

// anonProvider backs faults with freshly allocated physical pages,
// zero-filled unless the mapping is uninitialized.
type anonProvider struct {
	mm   *MemoryManager
	zero bool
}

// fill prepares a newly allocated page. The base variant leaves the page's
// prior contents in place.
func (p *anonProvider) fill(phys, offset, size uintptr) {
	if p.zero {
		clear(p.mm.pool.View(phys, size))
	}
}

// setPTE installs phys into ptep. The install is a compare-and-swap against
// the empty entry; on loss the page is returned and false is reported, so a
// concurrent populator's page wins.
func (p *anonProvider) setPTE(phys uintptr, level int, ptep *pagetables.PTE, pte pagetables.PTE) bool {
	if ptep.CompareAndSwap(pagetables.MakeEmpty(), pte.WithAddress(phys)) {
		return true
	}
	if level > 0 {
		p.mm.pool.FreeHugePage(phys, pagetables.LevelSize(level))
	} else {
		p.mm.pool.FreePage(phys)
	}
	return false
}

// Map implements PageProvider.Map.
func (p *anonProvider) Map(offset uintptr, level int, ptep *pagetables.PTE, pte pagetables.PTE, write bool) (bool, error) {
	size := pagetables.LevelSize(level)
	var phys uintptr
	if level > 0 {
		phys = p.mm.pool.AllocHugePage(size)
	} else {
		phys = p.mm.pool.AllocPage()
	}
	if phys == 0 {
		return false, unix.ENOMEM
	}
	p.fill(phys, offset, size)
	return p.setPTE(phys, level, ptep, pte), nil
}

// Unmap implements PageProvider.Unmap. The entry is cleared; freeing the
// page is the walker's business, after the TLB flush.
func (p *anonProvider) Unmap(phys uintptr, offset uintptr, level int, ptep *pagetables.PTE) bool {
	ptep.Clear()
	return true
}

// fileReadProvider backs faults by reading file contents into freshly
// allocated pages, zero-filling any short-read tail.
type fileReadProvider struct {
	anonProvider
	file    File
	foffset int64
}

// Map implements PageProvider.Map.
func (p *fileReadProvider) Map(offset uintptr, level int, ptep *pagetables.PTE, pte pagetables.PTE, write bool) (bool, error) {
	size := pagetables.LevelSize(level)
	var phys uintptr
	if level > 0 {
		phys = p.mm.pool.AllocHugePage(size)
	} else {
		phys = p.mm.pool.AllocPage()
	}
	if phys == 0 {
		return false, unix.ENOMEM
	}
	view := p.mm.pool.View(phys, size)
	n, err := p.file.Read(view, p.foffset+int64(offset))
	if err != nil {
		if level > 0 {
			p.mm.pool.FreeHugePage(phys, size)
		} else {
			p.mm.pool.FreePage(phys)
		}
		return false, err
	}
	// Zero the tail on a short read.
	clear(view[n:])
	return p.setPTE(phys, level, ptep, pte), nil
}

// fileMmapProvider delegates page lifecycle to the file's page cache.
type fileMmapProvider struct {
	mm      *MemoryManager
	file    File
	foffset int64
	shared  bool
}

// Map implements PageProvider.Map.
func (p *fileMmapProvider) Map(offset uintptr, level int, ptep *pagetables.PTE, pte pagetables.PTE, write bool) (bool, error) {
	return p.file.MapPage(p.mm, offset+uintptr(p.foffset), level, ptep, pte, write, p.shared), nil
}

// Unmap implements PageProvider.Unmap.
func (p *fileMmapProvider) Unmap(phys uintptr, offset uintptr, level int, ptep *pagetables.PTE) bool {
	return p.file.PutPage(p.mm, phys, offset+uintptr(p.foffset), level, ptep)
}
