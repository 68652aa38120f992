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

package pagetables

import (
	"fmt"

	"nucleus.dev/nucleus/pkg/hostarch"
)

// Operation is a page operation applied by Walk to a virtual range. One
// Operation value is used per walk and is never shared between walks, so
// implementations need no internal locking.
type Operation interface {
	// AllocatesIntermediate reports whether the walker should allocate a
	// missing intermediate table (true) or skip the covered range (false).
	AllocatesIntermediate() bool

	// SkipsEmpty reports whether leaf handling is skipped for empty
	// entries.
	SkipsEmpty() bool

	// Descends reports whether the walker descends into an existing
	// intermediate table instead of offering the entry to Page.
	Descends() bool

	// Once reports whether the walker stops after a single entry per
	// level.
	Once() bool

	// SplitsLarge reports whether a large leaf at the given level is
	// broken into a next-level table when the walk has to go below it:
	// the operated range does not cover it exactly, its level is not
	// among PageSizes, or Page declined it. When false, SubPage is
	// invoked instead.
	SplitsLarge(level int) bool

	// PageSizes is the number of leaf page sizes the operation may
	// install or visit: 1 restricts it to 4K leaves.
	PageSizes() int

	// ReadPTE reads an entry. Operations running under RCU without the
	// VMA lock override this with a low-level read.
	ReadPTE(ptep *PTE) PTE

	// Page is invoked for a leaf-capable entry whose range is fully
	// covered. level is 0 for 4K entries. offset is the entry's virtual
	// base relative to the VMA start. Returning false at an intermediate
	// level makes the walker descend instead.
	Page(level int, ptep *PTE, offset uintptr) bool

	// SubPage is invoked when a large leaf covers the operated range but
	// the operation declined to split it.
	SubPage(ptep *PTE, level int, offset uintptr)

	// IntermediatePre and IntermediatePost bracket descent from a
	// large-capable entry into its table.
	IntermediatePre(ptep *PTE, offset uintptr)
	IntermediatePost(ptep *PTE, offset uintptr)
}

// OpConfig supplies the traversal knobs of an Operation from plain fields.
// Concrete operations embed it, mirroring the per-operation parameter block
// of the traversal design.
type OpConfig struct {
	Alloc     bool
	Skip      bool
	Descend   bool
	RunOnce   bool
	Split     bool
	PageSizeN int
}

// AllocatesIntermediate implements Operation.AllocatesIntermediate.
func (c OpConfig) AllocatesIntermediate() bool { return c.Alloc }

// SkipsEmpty implements Operation.SkipsEmpty.
func (c OpConfig) SkipsEmpty() bool { return c.Skip }

// Descends implements Operation.Descends.
func (c OpConfig) Descends() bool { return c.Descend }

// Once implements Operation.Once.
func (c OpConfig) Once() bool { return c.RunOnce }

// SplitsLarge implements Operation.SplitsLarge.
func (c OpConfig) SplitsLarge(level int) bool { return c.Split }

// PageSizes implements Operation.PageSizes.
func (c OpConfig) PageSizes() int { return c.PageSizeN }

// OpDefaults supplies no-op hooks and the plain atomic PTE read. Concrete
// operations embed it and override what they need.
type OpDefaults struct{}

// ReadPTE implements Operation.ReadPTE.
func (OpDefaults) ReadPTE(ptep *PTE) PTE { return ptep.Load() }

// SubPage implements Operation.SubPage.
func (OpDefaults) SubPage(ptep *PTE, level int, offset uintptr) {}

// IntermediatePre implements Operation.IntermediatePre.
func (OpDefaults) IntermediatePre(ptep *PTE, offset uintptr) {}

// IntermediatePost implements Operation.IntermediatePost.
func (OpDefaults) IntermediatePost(ptep *PTE, offset uintptr) {}

// clamp narrows [vstart, vend] to the window [min, max], first widening it
// to slop alignment so sub-slop requests still operate on whole slop units.
func clamp(vstart, vend, min, max, slop uintptr) (uintptr, uintptr) {
	vstart &^= slop - 1
	vend |= slop - 1
	if vstart < min {
		vstart = min
	}
	if vend > max {
		vend = max
	}
	return vstart, vend
}

// walker carries the per-walk state.
type walker struct {
	pt       *PageTables
	op       Operation
	vmaStart uintptr
	slop     uintptr
}

// Walk applies op to the virtual range [vstart, vstart+size). Offsets
// reported to the operation are relative to vmaStart. slop widens partial
// requests to its alignment; it is at most the largest leaf size.
//
// Preconditions: vstart and size are page-aligned, size > 0, and the caller
// holds whatever lock guards the walked range's entries.
func (pt *PageTables) Walk(op Operation, vmaStart, vstart, size, slop uintptr) {
	if vstart&(hostarch.PageSize-1) != 0 {
		panic(fmt.Sprintf("pagetables: unaligned start %#x", vstart))
	}
	if size == 0 {
		panic("pagetables: empty walk")
	}
	w := walker{pt: pt, op: op, vmaStart: vmaStart, slop: slop}
	w.walkEntry(&pt.rootEntry, rootLevel, vstart, vstart+size-1, 0)
}

func (w *walker) read(ptep *PTE) PTE {
	return w.op.ReadPTE(ptep)
}

func (w *walker) skip(ptep *PTE) bool {
	return w.op.SkipsEmpty() && !w.read(ptep).Valid()
}

func (w *walker) descend(ptep *PTE) bool {
	pte := w.read(ptep)
	return w.op.Descends() && pte.Valid() && !pte.Large()
}

// walkEntry processes the table below the entry ptep at parentLevel,
// covering virtual addresses [vcur, vend] within the entry's window based at
// baseVirt.
func (w *walker) walkEntry(ptep *PTE, parentLevel int, vcur, vend, baseVirt uintptr) {
	pte := w.read(ptep)
	if !pte.Valid() {
		if !w.op.AllocatesIntermediate() {
			return
		}
		w.allocateIntermediate(ptep)
	} else if pte.Large() {
		if w.op.SplitsLarge(parentLevel) {
			w.splitLarge(ptep, parentLevel)
		} else {
			// The operation handles the sub-range of the large leaf
			// itself.
			w.op.SubPage(ptep, parentLevel, baseVirt-w.vmaStart)
			return
		}
	}

	level := parentLevel - 1
	table := w.pt.Allocator.LookupPTEs(w.read(ptep).Address())
	step := levelSize(level)
	idx := int(vcur>>levelShift(level)) & (entriesPerPage - 1)
	eidx := int(vend>>levelShift(level)) & (entriesPerPage - 1)
	base := baseVirt + uintptr(idx)*step

	for {
		entry := &table[idx]
		vstart1, vend1 := clamp(vcur, vend, base, base+step-1, w.slop)
		offset := base - w.vmaStart
		if level < w.op.PageSizes() && vstart1 == base && vend1 == base+step-1 {
			// The entry's whole range is covered: it may be handled as a
			// leaf at this level.
			if level > 0 {
				if !w.skip(entry) {
					if w.descend(entry) || !w.op.Page(level, entry, offset) {
						w.op.IntermediatePre(entry, offset)
						w.walkEntry(entry, level, vstart1, vend1, base)
						w.op.IntermediatePost(entry, offset)
					}
				}
			} else {
				if !w.skip(entry) {
					w.op.Page(0, entry, offset)
				}
			}
		} else {
			w.walkEntry(entry, level, vstart1, vend1, base)
		}
		base += step
		idx++
		if w.op.Once() || idx > eidx {
			break
		}
	}
}

// allocateIntermediate installs a new empty table under ptep. The install is
// a compare-and-swap against the empty entry; on loss the table is released
// and the winner's entry is used.
func (w *walker) allocateIntermediate(ptep *PTE) {
	table := w.pt.Allocator.NewPTEs()
	phys := w.pt.Allocator.PhysicalFor(table)
	if !ptep.CompareAndSwap(MakeEmpty(), MakeIntermediate(phys)) {
		w.pt.Allocator.FreePTEs(table)
	}
}

// splitLarge breaks the large leaf at ptep into a table of next-level
// entries inheriting its physical range incrementally.
//
// Precondition: the caller holds the write lock guarding this entry, so a
// plain store suffices.
func (w *walker) splitLarge(ptep *PTE, parentLevel int) {
	org := w.read(ptep)
	childLevel := parentLevel - 1
	childSize := levelSize(childLevel)
	table := w.pt.Allocator.NewPTEs()
	for i := 0; i < entriesPerPage; i++ {
		child := org.WithAddress(org.Address() + uintptr(i)*childSize)
		child = child.setLarge(childLevel > 0)
		table[i] = child
	}
	ptep.Store(MakeIntermediate(w.pt.Allocator.PhysicalFor(table)))
}
