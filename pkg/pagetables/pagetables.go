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

// Package pagetables provides a generic implementation of hardware page
// tables: a four-level radix tree of atomically accessed entries, and a
// level-recursive walker parameterized by a page operation.
package pagetables

import (
	"sync"
	"sync/atomic"

	"nucleus.dev/nucleus/pkg/hostarch"
)

// Table geometry.
const (
	entriesPerPage = 512

	// pageLevels is the number of table levels: level 0 holds 4K leaves,
	// level 1 may hold 2M leaves, level 3 is the root table.
	pageLevels = 4

	// rootLevel is the pseudo-level of the entry pointing at the root
	// table.
	rootLevel = pageLevels
)

// levelShift returns the number of virtual address bits below one entry at
// the given level.
func levelShift(level int) uint {
	return hostarch.PageShift + 9*uint(level)
}

// levelSize returns the number of bytes covered by one entry at the given
// level.
func levelSize(level int) uintptr {
	return uintptr(1) << levelShift(level)
}

// LevelSize returns the number of bytes covered by one leaf entry at the
// given level (4K at level 0, 2M at level 1, ...).
func LevelSize(level int) uintptr {
	return levelSize(level)
}

// LargeCapable returns true if the given level can hold large leaf entries.
func LargeCapable(level int) bool {
	return level > 0 && level < pageLevels-1
}

// nrPageSizes is the number of leaf page sizes the walker will install:
// 2 means 4K and 2M. Detecting 1G support raises it to 3.
var nrPageSizes atomic.Int32

func init() {
	nrPageSizes.Store(2)
}

// NrPageSizes returns the number of supported leaf page sizes.
func NrPageSizes() int {
	return int(nrPageSizes.Load())
}

// SetNrPageSizes records the number of supported leaf page sizes.
func SetNrPageSizes(nr int) {
	nrPageSizes.Store(int32(nr))
}

// Allocator provides pages for page tables themselves.
type Allocator interface {
	// NewPTEs returns a new, zeroed table.
	NewPTEs() *PTEs

	// PhysicalFor returns the physical address of the given table.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs returns the table at the given physical address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs releases a table returned by NewPTEs.
	FreePTEs(ptes *PTEs)
}

// RuntimeAllocator is an Allocator backed by the Go heap. Physical addresses
// for tables are synthesized from a private counter; they never collide with
// data-page addresses because they only flow through LookupPTEs.
type RuntimeAllocator struct {
	mu     sync.Mutex
	next   uintptr
	tables map[uintptr]*PTEs
	phys   map[*PTEs]uintptr
}

// NewRuntimeAllocator returns an empty RuntimeAllocator.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		// Table addresses live in their own high window, still inside
		// addressMask so that entries pointing at them round-trip.
		next:   1 << 51,
		tables: make(map[uintptr]*PTEs),
		phys:   make(map[*PTEs]uintptr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *RuntimeAllocator) NewPTEs() *PTEs {
	ptes := new(PTEs)
	a.mu.Lock()
	defer a.mu.Unlock()
	phys := a.next
	a.next += hostarch.PageSize
	a.tables[phys] = ptes
	a.phys[ptes] = phys
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phys[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tables[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	defer a.mu.Unlock()
	phys, ok := a.phys[ptes]
	if !ok {
		return
	}
	delete(a.phys, ptes)
	delete(a.tables, phys)
}

// PageTables is one set of page tables.
type PageTables struct {
	// Allocator is used to allocate and look up tables.
	Allocator Allocator

	// rootEntry points at the root table. It is the walker's level-4
	// pseudo-entry, analogous to the hardware root register.
	rootEntry PTE
}

// New returns an empty set of page tables.
func New(a Allocator) *PageTables {
	pt := &PageTables{Allocator: a}
	root := a.NewPTEs()
	pt.rootEntry = MakeIntermediate(a.PhysicalFor(root))
	return pt
}

// Root returns the root table.
func (pt *PageTables) Root() *PTEs {
	return pt.Allocator.LookupPTEs(pt.rootEntry.Address())
}
