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

// Page operations: the concrete visitors driven over page tables by the
// generic walker.

package mm

import (
	"fmt"

	"nucleus.dev/nucleus/pkg/hostarch"
	"nucleus.dev/nucleus/pkg/pagetables"
)

// rangeOperation extends the walker's Operation with the end-of-range
// lifecycle: batched TLB flushing, cleanup, and accounting.
type rangeOperation interface {
	pagetables.Operation

	// tlbFlushNeeded reports whether a global TLB flush is required after
	// the range has been processed.
	tlbFlushNeeded() bool

	// finalize runs whatever cleanup the operation needs at the very end
	// of operateRange.
	finalize() error

	// accountResults returns the number of bytes the operation newly
	// affected, when accounting was requested.
	accountResults() uintptr

	// opErr returns the first error the operation encountered.
	opErr() error
}

// vmaOperation is the common base of the concrete operations. Each walk
// creates its own operation value, so no internal locking is needed even
// when two walks race over the same addresses.
type vmaOperation struct {
	pagetables.OpConfig
	pagetables.OpDefaults

	accounting bool
	total      uintptr
	err        error
}

func (o *vmaOperation) tlbFlushNeeded() bool { return false }

func (o *vmaOperation) finalize() error { return nil }

func (o *vmaOperation) accountResults() uintptr { return o.total }

func (o *vmaOperation) opErr() error { return o.err }

func (o *vmaOperation) account(size uintptr) {
	if o.accounting {
		o.total += size
	}
}

func (o *vmaOperation) setErr(err error) {
	if o.err == nil {
		o.err = err
	}
}

// operateRange runs op over [addr, addr+size), page-aligned outward, then
// issues the write barrier, the batched TLB flush, and the operation's
// cleanup. Offsets reported to op are relative to vmaStart.
func (mm *MemoryManager) operateRange(op rangeOperation, vmaStart, addr, size uintptr) (uintptr, error) {
	start := hostarch.PageRoundDown(addr)
	size = hostarch.AlignUp(size+(addr-start), hostarch.PageSize)
	if size == 0 {
		size = hostarch.PageSize
	}
	mm.pt.Walk(op, vmaStart, start, size, hostarch.PageSize)
	mm.platform.SynchronizePageTableModifications()

	if op.tlbFlushNeeded() {
		mm.platform.FlushTLBAll()
	}
	ferr := op.finalize()
	if err := op.opErr(); err != nil {
		return op.accountResults(), err
	}
	return op.accountResults(), ferr
}

// populateOp fills the missing entries of a range via a page provider and
// sets their permissions. Part of the mmap implementation.
type populateOp struct {
	vmaOperation
	mm       *MemoryManager
	provider PageProvider
	perm     hostarch.AccessType
	write    bool
	mapDirty bool
}

func newPopulate(mm *MemoryManager, provider PageProvider, perm hostarch.AccessType, write, mapDirty, accounting bool) *populateOp {
	op := &populateOp{
		mm:       mm,
		provider: provider,
		perm:     perm,
		write:    write,
		mapDirty: mapDirty,
	}
	op.OpConfig = pagetables.OpConfig{
		Alloc:     true,
		Skip:      false,
		Descend:   true,
		Split:     true,
		PageSizeN: pagetables.NrPageSizes(),
	}
	op.accounting = accounting
	return op
}

// skipPTE reports whether an existing entry already satisfies the access.
func (o *populateOp) skipPTE(pte pagetables.PTE) bool {
	if pte.Empty() {
		return false
	}
	return !o.write || pte.Writable()
}

// Page implements Operation.Page.
func (o *populateOp) Page(level int, ptep *pagetables.PTE, offset uintptr) bool {
	pte := ptep.Load()
	if o.skipPTE(pte) {
		return true
	}
	proposed := pagetables.MakeLeaf(0, pagetables.MapOpts{
		Access: o.perm,
		Dirty:  o.mapDirty || o.write,
	}, level > 0)
	mapped, err := o.provider.Map(offset, level, ptep, proposed, o.write)
	if err != nil {
		o.setErr(err)
		return false
	}
	if mapped {
		o.account(pagetables.LevelSize(level))
	}
	return true
}

// populateSmallOp is populate restricted to 4K pages.
type populateSmallOp struct {
	populateOp
}

func newPopulateSmall(mm *MemoryManager, provider PageProvider, perm hostarch.AccessType, write, mapDirty, accounting bool) *populateSmallOp {
	op := &populateSmallOp{populateOp: *newPopulate(mm, provider, perm, write, mapDirty, accounting)}
	op.PageSizeN = 1
	return op
}

// Page implements Operation.Page.
func (o *populateSmallOp) Page(level int, ptep *pagetables.PTE, offset uintptr) bool {
	if level != 0 {
		panic("mm: large page offered to small-page populate")
	}
	return o.populateOp.Page(level, ptep, offset)
}

// tlbGather batches pages whose mappings were removed so that they are only
// freed after a TLB flush.
type tlbGather struct {
	mm    *MemoryManager
	pages []gatherPage
}

type gatherPage struct {
	phys uintptr
	size uintptr
}

const maxGatherPages = 20

// push queues a page for freeing, flushing first if the batch is full.
// Returns true if a flush happened during the push.
func (g *tlbGather) push(phys, size uintptr) bool {
	flushed := false
	if len(g.pages) == maxGatherPages {
		g.flush()
		flushed = true
	}
	g.pages = append(g.pages, gatherPage{phys: phys, size: size})
	return flushed
}

// flush issues the TLB flush and frees the queued pages. Returns true if
// anything was flushed.
func (g *tlbGather) flush() bool {
	if len(g.pages) == 0 {
		return false
	}
	g.mm.platform.FlushTLBAll()
	for _, p := range g.pages {
		if p.size == hostarch.PageSize {
			g.mm.pool.FreePage(p.phys)
		} else {
			g.mm.pool.FreeHugePage(p.phys, p.size)
		}
	}
	g.pages = g.pages[:0]
	return true
}

// unpopulateOp undoes populate: it releases backing pages through the
// provider and marks the entries non-present. Emptied intermediate tables
// are reclaimed through RCU.
type unpopulateOp struct {
	vmaOperation
	mm       *MemoryManager
	provider PageProvider
	gather   tlbGather
	doFlush  bool
}

func newUnpopulate(mm *MemoryManager, provider PageProvider, accounting bool) *unpopulateOp {
	op := &unpopulateOp{mm: mm, provider: provider}
	op.gather.mm = mm
	op.OpConfig = pagetables.OpConfig{
		Alloc:     false,
		Skip:      true,
		Descend:   true,
		Split:     true,
		PageSizeN: pagetables.NrPageSizes(),
	}
	op.accounting = accounting
	return op
}

// Page implements Operation.Page. Entries left by mprotect(PROT_NONE) are
// still valid (they carry the no-access bit), so their pages are released
// like any other; empty entries are skipped by the walker.
func (o *unpopulateOp) Page(level int, ptep *pagetables.PTE, offset uintptr) bool {
	pte := ptep.Load()
	phys := pte.Address()
	size := pagetables.LevelSize(level)
	if o.provider.Unmap(phys, offset, level, ptep) {
		o.doFlush = !o.gather.push(phys, size)
	} else {
		o.doFlush = true
	}
	o.account(size)
	return true
}

// IntermediatePost implements Operation.IntermediatePost: the whole table
// below ptep was just unpopulated, so reclaim it once concurrent walkers
// are done with it.
func (o *unpopulateOp) IntermediatePost(ptep *pagetables.PTE, offset uintptr) {
	old := ptep.Load()
	table := o.mm.pt.Allocator.LookupPTEs(old.Address())
	ptep.Clear()
	alloc := o.mm.pt.Allocator
	o.mm.rcu.Defer(func() { alloc.FreePTEs(table) })
}

func (o *unpopulateOp) tlbFlushNeeded() bool {
	return !o.gather.flush() && o.doFlush
}

// protectOp rewrites leaf permissions. An entry carrying the copy-on-write
// bit never becomes writable, whatever was requested.
type protectOp struct {
	vmaOperation
	perm    hostarch.AccessType
	doFlush bool
}

func newProtect(perm hostarch.AccessType) *protectOp {
	op := &protectOp{perm: perm}
	op.OpConfig = pagetables.OpConfig{
		Alloc:     false,
		Skip:      true,
		Descend:   true,
		Split:     true,
		PageSizeN: pagetables.NrPageSizes(),
	}
	return op
}

// changePerm rewrites ptep's permissions and reports whether any permission
// was dropped, which is what makes a TLB flush necessary.
func changePerm(ptep *pagetables.PTE, perm hostarch.AccessType) bool {
	pte := ptep.Load()
	old := pte.Access()
	if pte.COW() {
		perm &^= hostarch.Write
	}
	ptep.Store(pte.WithAccess(perm))
	return old&^perm != 0
}

// Page implements Operation.Page.
func (o *protectOp) Page(level int, ptep *pagetables.PTE, offset uintptr) bool {
	if changePerm(ptep, o.perm) {
		o.doFlush = true
	}
	return true
}

func (o *protectOp) tlbFlushNeeded() bool { return o.doFlush }

// dirtyHandler consumes the pages harvested by dirtyCleaner.
type dirtyHandler interface {
	dirty(phys, offset, size uintptr)
	finalize() error
}

// dirtyCleanerOp clears dirty bits and hands the dirtied extents to a
// handler.
type dirtyCleanerOp struct {
	vmaOperation
	handler dirtyHandler
	doFlush bool
}

func newDirtyCleaner(handler dirtyHandler) *dirtyCleanerOp {
	op := &dirtyCleanerOp{handler: handler}
	op.OpConfig = pagetables.OpConfig{
		Alloc:     false,
		Skip:      true,
		Descend:   true,
		Split:     true,
		PageSizeN: pagetables.NrPageSizes(),
	}
	op.accounting = true
	return op
}

// Page implements Operation.Page.
func (o *dirtyCleanerOp) Page(level int, ptep *pagetables.PTE, offset uintptr) bool {
	pte := ptep.Load()
	if !pte.Dirty() {
		return true
	}
	o.doFlush = true
	ptep.Store(pte.WithDirty(false))
	o.handler.dirty(pte.Address(), offset, pagetables.LevelSize(level))
	o.account(pagetables.LevelSize(level))
	return true
}

func (o *dirtyCleanerOp) tlbFlushNeeded() bool { return o.doFlush }

func (o *dirtyCleanerOp) finalize() error { return o.handler.finalize() }

// dirtyPageSync writes harvested dirty extents back to the backing file.
type dirtyPageSync struct {
	mm     *MemoryManager
	file   File
	offset int64
	size   int64
	queue  []dirtyExtent
}

type dirtyExtent struct {
	phys   uintptr
	off    int64
	length int64
}

func (s *dirtyPageSync) dirty(phys, offset, size uintptr) {
	off := s.offset + int64(offset)
	length := int64(size)
	if rest := s.size - off; length > rest {
		length = rest
	}
	if length <= 0 {
		return
	}
	s.queue = append(s.queue, dirtyExtent{phys: phys, off: off, length: length})
}

func (s *dirtyPageSync) finalize() error {
	for _, e := range s.queue {
		view := s.mm.pool.View(e.phys, uintptr(e.length))
		if _, err := s.file.Write(view, e.off); err != nil {
			return err
		}
	}
	s.queue = nil
	return nil
}

// virtToPhysOp resolves one virtual address to its physical address.
type virtToPhysOp struct {
	vmaOperation
	v      uintptr
	result uintptr
	found  bool
}

func newVirtToPhys(v uintptr) *virtToPhysOp {
	op := &virtToPhysOp{v: v}
	op.OpConfig = pagetables.OpConfig{
		Alloc:     false,
		Skip:      true,
		Descend:   true,
		RunOnce:   true,
		Split:     false,
		PageSizeN: pagetables.NrPageSizes(),
	}
	return op
}

// Page implements Operation.Page.
func (o *virtToPhysOp) Page(level int, ptep *pagetables.PTE, offset uintptr) bool {
	pte := o.ReadPTE(ptep)
	o.result = pte.Address() + (o.v & (pagetables.LevelSize(level) - 1))
	o.found = true
	return true
}

// SubPage implements Operation.SubPage: the address lies inside a large
// leaf the walk will not split.
func (o *virtToPhysOp) SubPage(ptep *pagetables.PTE, level int, offset uintptr) {
	o.Page(level, ptep, offset)
}

// virtToPTEOp reads the leaf entry mapping one virtual address. Runs under
// an RCU read section, without the VMA lock.
type virtToPTEOp struct {
	vmaOperation
	pte   pagetables.PTE
	level int
	found bool
}

func newVirtToPTE() *virtToPTEOp {
	op := &virtToPTEOp{}
	op.OpConfig = pagetables.OpConfig{
		Alloc:     false,
		Skip:      true,
		Descend:   true,
		RunOnce:   true,
		Split:     false,
		PageSizeN: pagetables.NrPageSizes(),
	}
	return op
}

// Page implements Operation.Page.
func (o *virtToPTEOp) Page(level int, ptep *pagetables.PTE, offset uintptr) bool {
	o.pte = o.ReadPTE(ptep)
	o.level = level
	o.found = true
	return true
}

// SubPage implements Operation.SubPage.
func (o *virtToPTEOp) SubPage(ptep *pagetables.PTE, level int, offset uintptr) {
	o.Page(level, ptep, offset)
}

// splitHugePagesOp forces every mapping in the range down to 4K entries.
// The walker does the splitting; the operation just refuses large pages.
type splitHugePagesOp struct {
	vmaOperation
}

func newSplitHugePages() *splitHugePagesOp {
	op := &splitHugePagesOp{}
	op.OpConfig = pagetables.OpConfig{
		Alloc:     false,
		Skip:      true,
		Descend:   true,
		Split:     true,
		PageSizeN: 1,
	}
	return op
}

// Page implements Operation.Page.
func (o *splitHugePagesOp) Page(level int, ptep *pagetables.PTE, offset uintptr) bool {
	if level != 0 {
		panic("mm: large page survived split walk")
	}
	return true
}

// cleanupIntermediatePagesOp frees intermediate tables whose entries are all
// empty, zeroing the parent entry.
type cleanupIntermediatePagesOp struct {
	vmaOperation
	mm       *MemoryManager
	livePTEs int
	doFlush  bool
}

func newCleanupIntermediatePages(mm *MemoryManager) *cleanupIntermediatePagesOp {
	op := &cleanupIntermediatePagesOp{mm: mm}
	op.OpConfig = pagetables.OpConfig{
		Alloc:     false,
		Skip:      true,
		Descend:   true,
		Split:     false,
		PageSizeN: pagetables.NrPageSizes(),
	}
	return op
}

// Page implements Operation.Page.
func (o *cleanupIntermediatePagesOp) Page(level int, ptep *pagetables.PTE, offset uintptr) bool {
	if level == 0 {
		o.livePTEs++
	}
	return true
}

// IntermediatePre implements Operation.IntermediatePre.
func (o *cleanupIntermediatePagesOp) IntermediatePre(ptep *pagetables.PTE, offset uintptr) {
	o.livePTEs = 0
}

// IntermediatePost implements Operation.IntermediatePost.
func (o *cleanupIntermediatePagesOp) IntermediatePost(ptep *pagetables.PTE, offset uintptr) {
	if o.livePTEs != 0 {
		return
	}
	old := ptep.Load()
	table := o.mm.pt.Allocator.LookupPTEs(old.Address())
	for i := range table {
		if !table[i].Load().Empty() {
			panic(fmt.Sprintf("mm: live entry %d in table considered empty", i))
		}
	}
	ptep.Clear()
	alloc := o.mm.pt.Allocator
	o.mm.rcu.Defer(func() { alloc.FreePTEs(table) })
	o.doFlush = true
}

func (o *cleanupIntermediatePagesOp) tlbFlushNeeded() bool { return o.doFlush }

// linearMapOp writes leaf entries mapping a physical range directly, with
// the given memory attribute.
type linearMapOp struct {
	vmaOperation
	start  uintptr
	end    uintptr
	device bool
}

func newLinearMap(start, size uintptr, device bool) *linearMapOp {
	op := &linearMapOp{start: start, end: start + size, device: device}
	op.OpConfig = pagetables.OpConfig{
		Alloc:     true,
		Skip:      false,
		Descend:   false,
		Split:     true,
		PageSizeN: pagetables.NrPageSizes(),
	}
	return op
}

// Page implements Operation.Page.
func (o *linearMapOp) Page(level int, ptep *pagetables.PTE, offset uintptr) bool {
	phys := o.start + offset
	if phys >= o.end {
		panic(fmt.Sprintf("mm: linear map out of bounds: %#x >= %#x", phys, o.end))
	}
	ptep.Store(pagetables.MakeLeaf(phys, pagetables.MapOpts{
		Access: hostarch.ReadWriteExecute,
		Device: o.device,
	}, level > 0))
	return true
}
