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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"nucleus.dev/nucleus/pkg/hostarch"
	"nucleus.dev/nucleus/pkg/sched"
)

// Address space layout. The window [SuperblockAreaBase, MainMemAreaBase) is
// carved into superblocks owned by individual CPUs; everything outside it
// belongs to a single shared worker.
const (
	// LowerVMALimit is the lowest mappable virtual address.
	LowerVMALimit uintptr = 0

	// SuperblockAreaBase is the start of the per-CPU sharded window.
	SuperblockAreaBase uintptr = 0x2000_0000_0000

	// MainMemAreaBase is the end of the sharded window and the start of
	// the linear-mapped main memory area.
	MainMemAreaBase uintptr = 0x4000_0000_0000

	// UpperVMALimit is the first non-mappable virtual address.
	UpperVMALimit = MainMemAreaBase

	// SuperblockSize is the granularity at which CPUs claim address
	// space.
	SuperblockSize uintptr = 1 << 30

	superblockLen = int((MainMemAreaBase - SuperblockAreaBase) / SuperblockSize)

	// superblockFree marks an unclaimed superblock slot.
	superblockFree uint32 = 255

	// upperAddressLimit bounds the walkable address space: the lower half
	// of a 48-bit virtual address space.
	upperAddressLimit uintptr = 1 << 47
)

// sharedWorker is the index of the worker owning the non-sharded region.
const sharedWorker = sched.MaxCPUs

// freeRange is one interval of the free-range map, keyed by base.
type freeRange struct {
	base uintptr
	size uintptr
}

// superblockWorker is one shard: an ordered VMA registry and a free-range
// map, each under its own rwlock.
type superblockWorker struct {
	vmas  *btree.BTreeG[*VMA]
	vmaMu sync.RWMutex

	freeRanges *btree.BTreeG[freeRange]
	freeMu     sync.RWMutex
}

func vmaLess(a, b *VMA) bool { return a.ar.Start < b.ar.Start }

func freeRangeLess(a, b freeRange) bool { return a.base < b.base }

// superblockManager shards the address space across per-CPU workers. The
// owner of an address is a pure function of the superblocks array, so
// lookups take no lock; only registry and free-range mutation does.
type superblockManager struct {
	superblocks [superblockLen]atomic.Uint32
	workers     [sched.MaxCPUs + 1]superblockWorker
	sched       sched.Scheduler
}

func newSuperblockManager(s sched.Scheduler) *superblockManager {
	sb := &superblockManager{sched: s}
	for i := range sb.superblocks {
		sb.superblocks[i].Store(superblockFree)
	}
	for i := range sb.workers {
		w := &sb.workers[i]
		w.vmas = btree.NewG(16, vmaLess)
		w.freeRanges = btree.NewG(16, freeRangeLess)
		// Sentinels at the edges of the allocatable area simplify
		// boundary searches.
		w.vmas.ReplaceOrInsert(newSentinelVMA(LowerVMALimit))
		w.vmas.ReplaceOrInsert(newSentinelVMA(UpperVMALimit))
	}
	shared := &sb.workers[sharedWorker]
	shared.freeRanges.ReplaceOrInsert(freeRange{base: LowerVMALimit, size: SuperblockAreaBase})
	shared.freeRanges.ReplaceOrInsert(freeRange{base: MainMemAreaBase, size: upperAddressLimit - MainMemAreaBase})
	return sb
}

func (sb *superblockManager) cpuID() int {
	return sb.sched.CurrentCPU()
}

func (sb *superblockManager) superblockIndex(addr uintptr) int {
	return int((addr - SuperblockAreaBase) / SuperblockSize)
}

func (sb *superblockManager) superblockPtr(index int) uintptr {
	return uintptr(index)*SuperblockSize + SuperblockAreaBase
}

// owner returns the worker index owning addr.
func (sb *superblockManager) owner(addr uintptr) int {
	if addr < SuperblockAreaBase || addr >= MainMemAreaBase {
		return sharedWorker
	}
	return int(sb.superblocks[sb.superblockIndex(addr)].Load())
}

// vmaLock returns the VMA registry lock of addr's owner.
func (sb *superblockManager) vmaLock(addr uintptr) *sync.RWMutex {
	o := sb.owner(addr)
	if o >= len(sb.workers) {
		panic(fmt.Sprintf("mm: address %#x lies in an unclaimed superblock", addr))
	}
	return &sb.workers[o].vmaMu
}

// freeRangesLock returns the free-range lock of addr's owner.
func (sb *superblockManager) freeRangesLock(addr uintptr) *sync.RWMutex {
	return &sb.workers[sb.owner(addr)].freeMu
}

// releaseSuperblocks returns slots [start, start+n) claimed by the caller's
// CPU to the free pool.
func (sb *superblockManager) releaseSuperblocks(start, n int) {
	cpu := uint32(sb.cpuID())
	for i := start; i < start+n; i++ {
		sb.superblocks[i].CompareAndSwap(cpu, superblockFree)
	}
}

// allocateSuperblocks claims n consecutive free slots for the caller's CPU
// and returns the first slot's index. On a losing compare-and-swap exactly
// the successfully claimed prefix is released before the scan restarts.
func (sb *superblockManager) allocateSuperblocks(n int) (int, error) {
	cpu := uint32(sb.cpuID())
retry:
	for {
		k := 0
		for i := 0; i < superblockLen; i++ {
			if sb.superblocks[i].Load() != superblockFree {
				k = 0
				continue
			}
			k++
			if k < n {
				continue
			}
			// Found n free slots in a row; try to claim them before
			// someone else does.
			first := i - n + 1
			for j := first; j <= i; j++ {
				if !sb.superblocks[j].CompareAndSwap(superblockFree, cpu) {
					// Someone else was faster: release what we
					// claimed and start over.
					sb.releaseSuperblocks(first, j-first)
					continue retry
				}
			}
			return first, nil
		}
		return 0, unix.ENOMEM
	}
}

// prevRange returns the last free range starting at or before addr.
func prevRange(fr *btree.BTreeG[freeRange], addr uintptr) (freeRange, bool) {
	var res freeRange
	found := false
	fr.DescendLessOrEqual(freeRange{base: addr}, func(r freeRange) bool {
		res = r
		found = true
		return false
	})
	return res, found
}

// reserveRange removes a range of the given size from the caller CPU's
// free-range map, first fit in key order, drawing from the tail of the
// fitting interval. If no interval fits, a fresh superblock is claimed and
// its tail becomes a new free range.
func (sb *superblockManager) reserveRange(size uintptr) (uintptr, error) {
	cpu := sb.cpuID()
	w := &sb.workers[cpu]

	w.freeMu.Lock()
	var (
		fit   freeRange
		found bool
	)
	w.freeRanges.Ascend(func(r freeRange) bool {
		if r.size >= size {
			fit, found = r, true
			return false
		}
		return true
	})
	if found {
		if fit.size == size {
			w.freeRanges.Delete(fit)
			w.freeMu.Unlock()
			return fit.base, nil
		}
		fit.size -= size
		w.freeRanges.ReplaceOrInsert(fit)
		w.freeMu.Unlock()
		return fit.base + fit.size, nil
	}
	w.freeMu.Unlock()

	// No fitting free range: claim a new superblock and register its
	// tail.
	s, err := sb.allocateSuperblocks(1)
	if err != nil {
		return 0, err
	}
	ret := sb.superblockPtr(s)
	sb.freeRangeOwner(ret+size, SuperblockSize-size, cpu)
	return ret, nil
}

// allocateRange removes [addr, addr+size) from the owning shard's free-range
// map. The range must lie entirely within a single free interval.
func (sb *superblockManager) allocateRange(addr, size uintptr) {
	w := &sb.workers[sb.owner(addr)]
	w.freeMu.Lock()
	defer w.freeMu.Unlock()

	r, ok := prevRange(w.freeRanges, addr)
	if !ok || addr+size > r.base+r.size {
		panic(fmt.Sprintf("mm: allocateRange [%#x, %#x) not within a free interval", addr, addr+size))
	}
	w.freeRanges.Delete(r)
	if addr > r.base {
		w.freeRanges.ReplaceOrInsert(freeRange{base: r.base, size: addr - r.base})
	}
	if end, rend := addr+size, r.base+r.size; rend > end {
		w.freeRanges.ReplaceOrInsert(freeRange{base: end, size: rend - end})
	}
}

// freeRangeOwner inserts [addr, addr+size) into the given worker's
// free-range map, coalescing with adjacent intervals.
//
// Superblocks are never returned to the global pool here, even when one
// becomes entirely free; reclamation is deferred indefinitely.
func (sb *superblockManager) freeRangeOwner(addr, size uintptr, owner int) {
	w := &sb.workers[owner]
	w.freeMu.Lock()
	defer w.freeMu.Unlock()

	merged := freeRange{base: addr, size: size}
	if prev, ok := prevRange(w.freeRanges, addr); ok && prev.base+prev.size == addr {
		w.freeRanges.Delete(prev)
		merged = freeRange{base: prev.base, size: prev.size + size}
	}
	if next, ok := w.freeRanges.Get(freeRange{base: addr + size}); ok {
		w.freeRanges.Delete(next)
		merged.size += next.size
	}
	w.freeRanges.ReplaceOrInsert(merged)
}

// freeRange inserts [addr, addr+size) into the owning shard's free-range
// map.
func (sb *superblockManager) freeRange(addr, size uintptr) {
	o := sb.owner(addr)
	if o >= len(sb.workers) {
		panic(fmt.Sprintf("mm: freeRange of unowned address %#x", addr))
	}
	sb.freeRangeOwner(addr, size, o)
}

// ownerSegment is one (start, length, owner) tuple of a decomposed range.
type ownerSegment struct {
	start uintptr
	size  uintptr
	owner int
}

// generateOwnerList decomposes [start, start+size) into per-owner segments.
// Callers must operate on each segment under that owner's locks.
func (sb *superblockManager) generateOwnerList(start, size uintptr) []ownerSegment {
	// A region entirely outside the superblock area has one owner.
	if start+size <= SuperblockAreaBase || start >= MainMemAreaBase {
		return []ownerSegment{{start: start, size: size, owner: sb.owner(start)}}
	}

	var res []ownerSegment
	for off := uintptr(0); off < size; {
		cur := sb.owner(start + off)
		nextBarrier := hostarch.AlignUp(start+off+1, SuperblockSize)
		if nextBarrier > start+size {
			nextBarrier = start + size
		}
		segSize := nextBarrier - (start + off)
		if n := len(res); n > 0 && res[n-1].owner == cur {
			res[n-1].size += segSize
		} else {
			res = append(res, ownerSegment{start: start + off, size: segSize, owner: cur})
		}
		off += segSize
	}
	return res
}

// lowerBoundVMA returns the first VMA in w whose start is >= addr. The upper
// sentinel guarantees a result for any addr <= UpperVMALimit.
func (w *superblockWorker) lowerBoundVMA(addr uintptr) *VMA {
	var res *VMA
	w.vmas.AscendGreaterOrEqual(&VMA{ar: hostarch.AddrRange{Start: addr}}, func(v *VMA) bool {
		res = v
		return false
	})
	return res
}

// prevVMA returns the last VMA in w whose start is < addr.
func (w *superblockWorker) prevVMA(addr uintptr) *VMA {
	if addr == 0 {
		return nil
	}
	var res *VMA
	w.vmas.DescendLessOrEqual(&VMA{ar: hostarch.AddrRange{Start: addr - 1}}, func(v *VMA) bool {
		res = v
		return false
	})
	return res
}

// findIntersectingVMA returns the single VMA containing addr, or nil.
// Logarithmic in the owning shard's registry size.
//
// Precondition: the owner's vmaMu is held.
func (sb *superblockManager) findIntersectingVMA(addr uintptr) *VMA {
	w := &sb.workers[sb.owner(addr)]
	v := w.lowerBoundVMA(addr)
	if v != nil && v.ar.Start == addr {
		return v
	}
	// Otherwise the previous VMA might contain addr.
	v = w.prevVMA(addr)
	if v != nil && v.ar.Contains(addr) {
		return v
	}
	return nil
}

// findIntersectingVMAs returns the ordered slice of VMAs overlapping ar.
//
// Preconditions: ar lies within a single owner; the owner's vmaMu is held.
func (sb *superblockManager) findIntersectingVMAs(ar hostarch.AddrRange) []*VMA {
	if ar.End <= ar.Start {
		return nil
	}
	w := &sb.workers[sb.owner(ar.Start)]

	start := w.lowerBoundVMA(ar.Start)
	if start == nil || start.ar.Start > ar.Start {
		// The previous VMA also intersects if it ends after our
		// range's start.
		if prev := w.prevVMA(ar.Start); prev != nil && prev.ar.End > ar.Start {
			start = prev
		}
	}
	if start == nil || start.ar.Start >= ar.End {
		return nil
	}

	var res []*VMA
	w.vmas.AscendGreaterOrEqual(start, func(v *VMA) bool {
		if v.ar.Start >= ar.End {
			return false
		}
		res = append(res, v)
		return true
	})
	return res
}

// insert adds v to its owning shard's registry.
//
// Precondition: the owner's vmaMu is held for writing.
func (sb *superblockManager) insert(v *VMA) {
	sb.workers[sb.owner(v.ar.Start)].vmas.ReplaceOrInsert(v)
}

// erase removes v from its owning shard's registry.
//
// Precondition: the owner's vmaMu is held for writing.
func (sb *superblockManager) erase(v *VMA) {
	sb.workers[sb.owner(v.ar.Start)].vmas.Delete(v)
}

// allVMAsSize returns the total bytes covered by live VMAs across all
// shards.
func (sb *superblockManager) allVMAsSize() uint64 {
	var sum uint64
	for i := range sb.workers {
		w := &sb.workers[i]
		w.vmaMu.RLock()
		w.vmas.Ascend(func(v *VMA) bool {
			sum += uint64(v.Size())
			return true
		})
		w.vmaMu.RUnlock()
	}
	return sum
}
