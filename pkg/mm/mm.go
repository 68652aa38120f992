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

// Package mm is the virtual memory manager: it tracks which virtual address
// ranges are mapped, with what permissions and backing, and manipulates the
// page tables accordingly. All threads share one address space.
package mm

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"nucleus.dev/nucleus/pkg/arch"
	"nucleus.dev/nucleus/pkg/hostarch"
	"nucleus.dev/nucleus/pkg/memory"
	"nucleus.dev/nucleus/pkg/pagetables"
	"nucleus.dev/nucleus/pkg/sched"
)

// MemoryManager owns the address space: page tables, VMA registries, and
// the superblock allocator.
type MemoryManager struct {
	pt       *pagetables.PageTables
	pool     memory.Pool
	platform arch.Platform
	sched    sched.Scheduler
	rcu      *sched.RCU
	sb       *superblockManager

	// pageTableHighMu serializes page-table modifications outside any
	// VMA (kernel ranges, linear maps).
	pageTableHighMu sync.Mutex

	// linearMu guards the set of linear mappings.
	linearMu   sync.RWMutex
	linearVMAs *btree.BTreeG[*LinearVMA]

	// rangeMu guards the cross-shard index of all mapped ranges, used
	// for introspection only.
	rangeMu  sync.RWMutex
	rangeSet *btree.BTreeG[hostarch.AddrRange]

	log        *logrus.Entry
	faultLimit *rate.Limiter
}

// Opts configures a MemoryManager. Zero fields get simulated defaults.
type Opts struct {
	Pool      memory.Pool
	Platform  arch.Platform
	Scheduler sched.Scheduler
	Allocator pagetables.Allocator
}

// New returns a MemoryManager over an empty address space.
func New(opts Opts) *MemoryManager {
	if opts.Pool == nil {
		opts.Pool = memory.NewSimPool()
	}
	if opts.Platform == nil {
		opts.Platform = arch.NewSimPlatform()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = sched.NewSimScheduler()
	}
	if opts.Allocator == nil {
		opts.Allocator = pagetables.NewRuntimeAllocator()
	}
	mm := &MemoryManager{
		pt:       pagetables.New(opts.Allocator),
		pool:     opts.Pool,
		platform: opts.Platform,
		sched:    opts.Scheduler,
		rcu:      &sched.RCU{},
		linearVMAs: btree.NewG(16, linearVMALess),
		rangeSet: btree.NewG(16, func(a, b hostarch.AddrRange) bool {
			return a.Start < b.Start
		}),
		log:        logrus.WithField("subsystem", "mm"),
		faultLimit: rate.NewLimiter(rate.Every(time.Second), 4),
	}
	mm.sb = newSuperblockManager(opts.Scheduler)
	return mm
}

// PageTables returns the manager's page tables.
func (mm *MemoryManager) PageTables() *pagetables.PageTables { return mm.pt }

// Pool returns the manager's physical page pool.
func (mm *MemoryManager) Pool() memory.Pool { return mm.pool }

func (mm *MemoryManager) rangeSetInsert(ar hostarch.AddrRange) {
	mm.rangeMu.Lock()
	mm.rangeSet.ReplaceOrInsert(ar)
	mm.rangeMu.Unlock()
}

func (mm *MemoryManager) rangeSetErase(ar hostarch.AddrRange) {
	mm.rangeMu.Lock()
	mm.rangeSet.Delete(ar)
	mm.rangeMu.Unlock()
}

// allocate places v at start, or wherever a hole of the given size is found
// when search is true, and inserts it into its shard's registry.
func (mm *MemoryManager) allocate(v *VMA, start, size uintptr, search bool) (uintptr, error) {
	if search {
		// Find an unallocated hole on the caller's CPU shard.
		var err error
		start, err = mm.sb.reserveRange(size)
		if err != nil {
			return 0, err
		}
	} else {
		// The given range may be occupied: evacuate it first, then take
		// it out of the free-range map.
		lock := mm.sb.vmaLock(start)
		lock.Lock()
		mm.evacuateRange(start, start+size)
		lock.Unlock()
		mm.sb.allocateRange(start, size)
	}
	v.set(start, start+size)

	lock := mm.sb.vmaLock(start)
	lock.Lock()
	mm.sb.insert(v)
	lock.Unlock()
	mm.rangeSetInsert(v.ar)
	return start, nil
}

// populateVMA eagerly backs [vaddr, vaddr+size) of v, choosing huge pages
// where the mapping allows them. Returns the number of bytes newly backed.
//
// Precondition: the owner's vmaMu is held.
func (mm *MemoryManager) populateVMA(v *VMA, vaddr, size uintptr, write bool) (uintptr, error) {
	provider := v.pageOps()
	var (
		total uintptr
		err   error
	)
	if v.hasFlags(FlagSmall) {
		total, err = mm.operateRange(newPopulateSmall(mm, provider, v.perm, write, v.mapDirty, true), v.ar.Start, vaddr, size)
	} else {
		total, err = mm.operateRange(newPopulate(mm, provider, v.perm, write, v.mapDirty, true), v.ar.Start, vaddr, size)
	}

	// Instruction fetch must observe the new pages on architectures with
	// non-unified caches.
	if v.perm.CanExecute() {
		mm.platform.SynchronizeCPUCaches(vaddr, size)
	}
	return total, err
}

// MapAnon establishes an anonymous mapping of the given size. Without
// FlagFixed, addr is only a hint and a fresh range is reserved.
func (mm *MemoryManager) MapAnon(addr, size uintptr, flags Flags, perm hostarch.AccessType) (uintptr, error) {
	if size == 0 {
		return 0, unix.EINVAL
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok {
		return 0, unix.ENOMEM
	}
	search := flags&FlagFixed == 0
	if !search && !hostarch.IsPageAligned(addr) {
		return 0, unix.EINVAL
	}
	v := newAnonVMA(mm, hostarch.MakeAddrRange(addr, size), perm, flags)

	mm.platform.EnsureNextTwoStackPages()
	va, err := mm.allocate(v, addr, size, search)
	if err != nil {
		return 0, err
	}
	if flags&FlagPopulate != 0 {
		lock := mm.sb.vmaLock(va)
		lock.Lock()
		_, err = mm.populateVMA(v, va, size, false)
		lock.Unlock()
		if err != nil {
			// The mapping stays installed; unpopulated pages fault in
			// lazily on later access.
			return 0, err
		}
	}
	return va, nil
}

// MapFile establishes a mapping of f at the given file offset, through the
// file's own VMA factory.
func (mm *MemoryManager) MapFile(addr, size uintptr, flags Flags, perm hostarch.AccessType, f File, offset int64) (uintptr, error) {
	if size == 0 {
		return 0, unix.EINVAL
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok {
		return 0, unix.ENOMEM
	}
	if offset < 0 || !hostarch.IsPageAligned(uintptr(offset)) {
		return 0, unix.EINVAL
	}
	search := flags&FlagFixed == 0
	if !search && !hostarch.IsPageAligned(addr) {
		return 0, unix.EINVAL
	}
	v, err := f.Mmap(mm, hostarch.MakeAddrRange(addr, size), flags|FlagFile, perm, offset)
	if err != nil {
		return 0, err
	}

	mm.platform.EnsureNextTwoStackPages()
	va, err := mm.allocate(v, addr, size, search)
	if err != nil {
		return 0, err
	}
	if flags&FlagPopulate != 0 {
		st, serr := f.Stat()
		if serr != nil {
			return 0, serr
		}
		// Only the part of the mapping the file can back is populated.
		populateSize := uintptr(0)
		if st.Size > offset {
			populateSize = hostarch.AlignUp(uintptr(st.Size-offset), hostarch.PageSize)
		}
		if populateSize > size {
			populateSize = size
		}
		if populateSize > 0 {
			lock := mm.sb.vmaLock(va)
			lock.Lock()
			_, err = mm.populateVMA(v, va, populateSize, false)
			lock.Unlock()
			if err != nil {
				return 0, err
			}
		}
	}
	return va, nil
}

// MapShm establishes a shared-memory mapping backed by a ShmFile.
func (mm *MemoryManager) MapShm(addr, size uintptr, flags Flags, perm hostarch.AccessType, f *ShmFile) (uintptr, error) {
	return mm.MapFile(addr, size, flags|FlagShared, perm, f, 0)
}

// evacuate unmaps v's pages, returns its range to the free-range map, and
// erases it from the registry. Returns the number of bytes unmapped.
//
// Precondition: the owner's vmaMu is held for writing.
func (mm *MemoryManager) evacuate(v *VMA) uintptr {
	size, _ := mm.operateRange(newUnpopulate(mm, v.pageOps(), true), v.ar.Start, v.ar.Start, v.Size())
	mm.sb.freeRange(v.ar.Start, v.Size())
	mm.sb.erase(v)
	mm.rangeSetErase(v.ar)
	return size
}

// evacuateRange splits at both edges and evacuates every VMA fully inside
// [start, end).
//
// Precondition: the owner's vmaMu is held for writing.
func (mm *MemoryManager) evacuateRange(start, end uintptr) uintptr {
	ar := hostarch.AddrRange{Start: start, End: end}
	for _, v := range mm.sb.findIntersectingVMAs(ar) {
		if v.Size() == 0 {
			// Registry sentinel.
			continue
		}
		v.split(end)
		v.split(start)
	}
	// The splits inserted new VMAs; re-query for the contained set.
	var total uintptr
	for _, v := range mm.sb.findIntersectingVMAs(ar) {
		if v.Size() == 0 {
			continue
		}
		if v.ar.Start >= start && v.ar.End <= end {
			total += mm.evacuate(v)
		}
	}
	return total
}

// ismapped returns true if every byte of [addr, addr+size) is covered by a
// VMA.
//
// Precondition: the owner's vmaMu is held.
func (mm *MemoryManager) ismapped(addr, size uintptr) bool {
	start, end := addr, addr+size
	for _, v := range mm.sb.findIntersectingVMAs(hostarch.AddrRange{Start: start, End: end}) {
		if v.Size() == 0 {
			continue
		}
		if v.ar.Start > start {
			return false
		}
		start = v.ar.End
		if start >= end {
			return true
		}
	}
	return false
}

// virtPTE reads the leaf entry mapping addr.
func (mm *MemoryManager) virtPTE(addr uintptr) (pagetables.PTE, int, bool) {
	base := hostarch.PageRoundDown(addr)
	op := newVirtToPTE()
	mm.pt.Walk(op, base, base, hostarch.PageSize, hostarch.PageSize)
	return op.pte, op.level, op.found
}

// VirtToPTE reads the leaf entry mapping addr under an RCU read section,
// without taking any VMA lock.
func (mm *MemoryManager) VirtToPTE(addr uintptr) (pagetables.PTE, int, bool) {
	mm.rcu.ReadLock()
	defer mm.rcu.ReadUnlock()
	return mm.virtPTE(addr)
}

// VirtToPhys resolves addr through the page tables. The second return is
// false if no mapping exists.
func (mm *MemoryManager) VirtToPhys(addr uintptr) (uintptr, bool) {
	base := hostarch.PageRoundDown(addr)
	op := newVirtToPhys(addr)
	mm.pt.Walk(op, base, base, hostarch.PageSize, hostarch.PageSize)
	return op.result, op.found
}

// safeLoad reports whether a one-byte load from addr would succeed.
func (mm *MemoryManager) safeLoad(addr uintptr) bool {
	pte, _, ok := mm.virtPTE(addr)
	return ok && pte.Valid() && !pte.NoAccess()
}

// IsReadable returns true if every page of [addr, addr+size) is resident
// and readable.
func (mm *MemoryManager) IsReadable(addr, size uintptr) bool {
	end := hostarch.MustPageRoundUp(addr + size)
	for p := addr; p < end; p += hostarch.PageSize {
		if !mm.safeLoad(p) {
			return false
		}
	}
	return true
}

// isLinearMapped returns true if [addr, addr+size) lies within a registered
// linear mapping.
func (mm *MemoryManager) isLinearMapped(addr, size uintptr) bool {
	mm.linearMu.RLock()
	defer mm.linearMu.RUnlock()
	var found *LinearVMA
	mm.linearVMAs.DescendLessOrEqual(&LinearVMA{virt: addr}, func(v *LinearVMA) bool {
		found = v
		return false
	})
	return found != nil && addr >= found.virt && addr+size <= found.End()
}

// Munmap removes every mapping in [addr, addr+length). The entire range
// must be mapped. Dirty file pages are synced back first, best effort.
func (mm *MemoryManager) Munmap(addr, length uintptr) error {
	if length == 0 || !hostarch.IsPageAligned(addr) {
		return unix.EINVAL
	}
	length = hostarch.MustPageRoundUp(length)

	mm.platform.EnsureNextTwoStackPages()
	lock := mm.sb.vmaLock(addr)
	lock.Lock()
	defer lock.Unlock()

	if !mm.ismapped(addr, length) {
		return unix.EINVAL
	}
	mm.syncRange(addr, length) // best effort
	mm.evacuateRange(addr, addr+length)
	return nil
}

// MunmapAnon removes the entire VMA containing addr, whatever its size.
// Operations like mprotect may have split the original mapping; only the
// piece containing addr is removed.
func (mm *MemoryManager) MunmapAnon(addr uintptr) error {
	mm.platform.EnsureNextTwoStackPages()
	lock := mm.sb.vmaLock(addr)
	lock.Lock()
	defer lock.Unlock()

	v := mm.sb.findIntersectingVMA(addr)
	if v == nil || v.Size() == 0 {
		return unix.EINVAL
	}
	mm.evacuate(v)
	return nil
}

// protect applies perm to [addr, addr+size), splitting VMAs at the edges.
// VMAs already carrying perm are skipped.
//
// Precondition: the owner's vmaMu is held for writing.
func (mm *MemoryManager) protect(addr, size uintptr, perm hostarch.AccessType) error {
	start, end := addr, addr+size
	ar := hostarch.AddrRange{Start: start, End: end}
	for _, v := range mm.sb.findIntersectingVMAs(ar) {
		if v.Size() == 0 || v.perm == perm {
			continue
		}
		if err := v.validatePerm(perm); err != nil {
			return err
		}
		v.split(end)
		v.split(start)
	}
	// The splits inserted new VMAs; re-query for the contained set.
	for _, v := range mm.sb.findIntersectingVMAs(ar) {
		if v.Size() == 0 || v.perm == perm {
			continue
		}
		if v.ar.Start >= start && v.ar.End <= end {
			v.protect(perm)
			if _, err := mm.operateRange(newProtect(perm), v.ar.Start, v.ar.Start, v.Size()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Mprotect changes the protection of [addr, addr+len). The whole range must
// be mapped.
func (mm *MemoryManager) Mprotect(addr, length uintptr, perm hostarch.AccessType) error {
	mm.platform.EnsureNextTwoStackPages()
	lock := mm.sb.vmaLock(addr)
	lock.Lock()
	defer lock.Unlock()

	if !mm.ismapped(addr, length) {
		return unix.ENOMEM
	}
	return mm.protect(addr, length, perm)
}

// syncRange runs each intersecting VMA's sync over its portion of
// [addr, addr+length).
//
// Precondition: the owner's vmaMu is held.
func (mm *MemoryManager) syncRange(addr, length uintptr) error {
	length = hostarch.MustPageRoundUp(length)
	start, end := addr, addr+length
	err := error(unix.ENOMEM)
	for _, v := range mm.sb.findIntersectingVMAs(hostarch.AddrRange{Start: start, End: end}) {
		if v.Size() == 0 {
			continue
		}
		s, e := start, end
		if s < v.ar.Start {
			s = v.ar.Start
		}
		if e > v.ar.End {
			e = v.ar.End
		}
		err = v.sync(s, e)
		if err != nil {
			break
		}
	}
	return err
}

// Msync writes back dirty pages of shared file mappings in the range. The
// whole range must be mapped.
func (mm *MemoryManager) Msync(addr, length uintptr) error {
	lock := mm.sb.vmaLock(addr)
	lock.RLock()
	defer lock.RUnlock()

	if !mm.ismapped(addr, length) {
		return unix.ENOMEM
	}
	return mm.syncRange(addr, length)
}

// Mincore writes one byte per page of [addr, addr+length) into vec: 0x01 if
// the page is resident and readable, 0x00 otherwise.
func (mm *MemoryManager) Mincore(addr, length uintptr, vec []byte) error {
	end := hostarch.MustPageRoundUp(addr + length)

	lock := mm.sb.vmaLock(addr)
	lock.RLock()
	defer lock.RUnlock()

	if !mm.isLinearMapped(addr, length) && !mm.ismapped(addr, length) {
		return unix.ENOMEM
	}
	i := 0
	for p := addr; p < end; p += hostarch.PageSize {
		if mm.safeLoad(p) {
			vec[i] = 0x01
		} else {
			vec[i] = 0x00
		}
		i++
	}
	return nil
}

// Advice selects a Madvise behavior.
type Advice int

const (
	// AdviseDontneed drops the backing pages of the range, keeping the
	// mappings; anonymous ranges read back as zeros, file ranges re-read
	// from the file.
	AdviseDontneed Advice = iota

	// AdviseNoHugepage restricts the range to 4K pages, splitting any
	// installed huge pages.
	AdviseNoHugepage
)

// depopulate drops the backing pages of [addr, addr+length), keeping the
// VMAs installed.
//
// Precondition: the owner's vmaMu is held for writing.
func (mm *MemoryManager) depopulate(addr, length uintptr) {
	length = hostarch.MustPageRoundUp(length)
	for _, v := range mm.sb.findIntersectingVMAs(hostarch.MakeAddrRange(addr, length)) {
		if v.Size() == 0 {
			continue
		}
		seg := v.ar.Intersect(hostarch.MakeAddrRange(addr, length))
		mm.operateRange(newUnpopulate(mm, v.pageOps(), false), v.ar.Start, seg.Start, seg.Length())
	}
}

// nohugepage marks every VMA in the range small and breaks any installed
// huge pages.
//
// Precondition: the owner's vmaMu is held for writing.
func (mm *MemoryManager) nohugepage(addr, length uintptr) {
	length = hostarch.MustPageRoundUp(length)
	for _, v := range mm.sb.findIntersectingVMAs(hostarch.MakeAddrRange(addr, length)) {
		if v.Size() == 0 || v.hasFlags(FlagSmall) {
			continue
		}
		v.updateFlags(FlagSmall)
		seg := v.ar.Intersect(hostarch.MakeAddrRange(addr, length))
		mm.operateRange(newSplitHugePages(), v.ar.Start, seg.Start, seg.Length())
	}
}

// Madvise applies the given advice to [addr, addr+size). The whole range
// must be mapped.
func (mm *MemoryManager) Madvise(addr, size uintptr, advice Advice) error {
	mm.platform.EnsureNextTwoStackPages()
	lock := mm.sb.vmaLock(addr)
	lock.Lock()
	defer lock.Unlock()

	if !mm.ismapped(addr, size) {
		return unix.ENOMEM
	}
	switch advice {
	case AdviseDontneed:
		mm.depopulate(addr, size)
		return nil
	case AdviseNoHugepage:
		mm.nohugepage(addr, size)
		return nil
	default:
		return unix.EINVAL
	}
}

// LinearMap installs a direct mapping of [phys, phys+size) at virt and
// registers it for introspection. virt and phys must agree modulo slop.
func (mm *MemoryManager) LinearMap(virt, phys, size uintptr, name string, slop uintptr, device bool) {
	if max := pagetables.LevelSize(pagetables.NrPageSizes() - 1); slop > max {
		slop = max
	}
	if (virt^phys)&(slop-1) != 0 {
		panic("mm: linear map misaligned between virtual and physical")
	}

	op := newLinearMap(phys, size, device)
	mm.pageTableHighMu.Lock()
	mm.pt.Walk(op, virt, virt, size, slop)
	mm.platform.SynchronizePageTableModifications()
	mm.pageTableHighMu.Unlock()

	v := &LinearVMA{virt: virt, phys: phys, size: size, device: device, name: name}
	mm.linearMu.Lock()
	mm.linearVMAs.ReplaceOrInsert(v)
	mm.linearMu.Unlock()
	mm.rangeSetInsert(hostarch.AddrRange{Start: virt, End: virt + size})

	for _, seg := range mm.sb.generateOwnerList(virt, size) {
		mm.sb.allocateRange(seg.start, seg.size)
	}
}

// VPopulate eagerly backs a kernel range outside any VMA with zero-filled
// anonymous pages.
func (mm *MemoryManager) VPopulate(addr, size uintptr) {
	mm.pageTableHighMu.Lock()
	defer mm.pageTableHighMu.Unlock()
	provider := &anonProvider{mm: mm, zero: true}
	mm.operateRange(newPopulate(mm, provider, hostarch.ReadWriteExecute, false, true, false), addr, addr, size)
}

// VDepopulate releases a range previously backed by VPopulate.
func (mm *MemoryManager) VDepopulate(addr, size uintptr) {
	mm.pageTableHighMu.Lock()
	defer mm.pageTableHighMu.Unlock()
	provider := &anonProvider{mm: mm, zero: true}
	mm.operateRange(newUnpopulate(mm, provider, false), addr, addr, size)
}

// VCleanup reclaims empty intermediate tables in a kernel range.
func (mm *MemoryManager) VCleanup(addr, size uintptr) {
	mm.pageTableHighMu.Lock()
	defer mm.pageTableHighMu.Unlock()
	mm.operateRange(newCleanupIntermediatePages(mm), addr, addr, size)
}

// AllVMAsSize returns the total bytes covered by live VMAs.
func (mm *MemoryManager) AllVMAsSize() uint64 {
	return mm.sb.allVMAsSize()
}
