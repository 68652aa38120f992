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
	"testing"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"nucleus.dev/nucleus/pkg/hostarch"
	"nucleus.dev/nucleus/pkg/sched"
)

func newTestSB() (*superblockManager, *sched.SimScheduler) {
	sc := sched.NewSimScheduler()
	return newSuperblockManager(sc), sc
}

func TestReserveClaimsSuperblock(t *testing.T) {
	sb, _ := newTestSB()

	addr, err := sb.reserveRange(8192)
	if err != nil {
		t.Fatalf("reserveRange: %v", err)
	}
	if addr != SuperblockAreaBase {
		t.Errorf("first reservation at %#x, want %#x", addr, SuperblockAreaBase)
	}
	if owner := sb.owner(addr); owner != 0 {
		t.Errorf("owner = %d, want 0", owner)
	}

	// The superblock's tail is registered as a free range.
	w := &sb.workers[0]
	r, ok := prevRange(w.freeRanges, addr+8192)
	if !ok || r.base != addr+8192 || r.size != SuperblockSize-8192 {
		t.Errorf("tail free range = %+v (%v)", r, ok)
	}
}

func TestReserveFirstFitFromTail(t *testing.T) {
	sb, _ := newTestSB()

	first, err := sb.reserveRange(4096)
	if err != nil {
		t.Fatalf("reserveRange: %v", err)
	}
	// The next reservation draws from the tail of the remaining
	// interval.
	second, err := sb.reserveRange(4096)
	if err != nil {
		t.Fatalf("reserveRange: %v", err)
	}
	if second != first+SuperblockSize-4096 {
		t.Errorf("second reservation at %#x, want %#x", second, first+SuperblockSize-4096)
	}
}

func TestFreeRangeCoalesces(t *testing.T) {
	sb, _ := newTestSB()

	base, err := sb.reserveRange(3 * 4096)
	if err != nil {
		t.Fatalf("reserveRange: %v", err)
	}
	// Free the three pages separately, middle last: the map must end up
	// with one interval covering the whole superblock.
	sb.freeRange(base, 4096)
	sb.freeRange(base+2*4096, 4096)
	sb.freeRange(base+4096, 4096)

	w := &sb.workers[0]
	if w.freeRanges.Len() != 1 {
		t.Fatalf("free-range map has %d intervals, want 1", w.freeRanges.Len())
	}
	r, _ := w.freeRanges.Min()
	if r.base != base || r.size != SuperblockSize {
		t.Errorf("coalesced range {%#x, %#x}, want {%#x, %#x}", r.base, r.size, base, SuperblockSize)
	}
}

func TestAllocateRangeMidInterval(t *testing.T) {
	sb, _ := newTestSB()

	base, err := sb.reserveRange(4096)
	if err != nil {
		t.Fatalf("reserveRange: %v", err)
	}
	sb.freeRange(base, 4096)

	// Carve a range out of the middle of the superblock interval.
	mid := base + 16*4096
	sb.allocateRange(mid, 2*4096)

	w := &sb.workers[0]
	if w.freeRanges.Len() != 2 {
		t.Fatalf("free-range map has %d intervals, want 2", w.freeRanges.Len())
	}
	head, _ := w.freeRanges.Min()
	if head.base != base || head.size != 16*4096 {
		t.Errorf("head interval {%#x, %#x}", head.base, head.size)
	}
	tail, _ := w.freeRanges.Max()
	if tail.base != mid+2*4096 {
		t.Errorf("tail interval starts at %#x, want %#x", tail.base, mid+2*4096)
	}
}

func TestAllocateSuperblocksRun(t *testing.T) {
	sb, sc := newTestSB()
	defer sc.Pin(3)()

	first, err := sb.allocateSuperblocks(4)
	if err != nil {
		t.Fatalf("allocateSuperblocks: %v", err)
	}
	for i := first; i < first+4; i++ {
		if got := sb.superblocks[i].Load(); got != 3 {
			t.Errorf("slot %d owned by %d, want 3", i, got)
		}
	}

	sb.releaseSuperblocks(first, 4)
	for i := first; i < first+4; i++ {
		if got := sb.superblocks[i].Load(); got != superblockFree {
			t.Errorf("slot %d not released: %d", i, got)
		}
	}
}

func TestGenerateOwnerList(t *testing.T) {
	sb, sc := newTestSB()

	// Claim superblocks 0 and 1 for CPUs 0 and 1.
	if _, err := sb.allocateSuperblocks(1); err != nil {
		t.Fatal(err)
	}
	undo := sc.Pin(1)
	if _, err := sb.allocateSuperblocks(1); err != nil {
		t.Fatal(err)
	}
	undo()

	// A range spanning both superblocks decomposes at the boundary.
	start := SuperblockAreaBase + SuperblockSize - 4096
	segs := sb.generateOwnerList(start, 8192)
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segs), segs)
	}
	if segs[0].owner != 0 || segs[0].start != start || segs[0].size != 4096 {
		t.Errorf("first segment %+v", segs[0])
	}
	if segs[1].owner != 1 || segs[1].start != start+4096 || segs[1].size != 4096 {
		t.Errorf("second segment %+v", segs[1])
	}

	// A range entirely outside the superblock area has one owner.
	segs = sb.generateOwnerList(0x1000, 0x2000)
	if len(segs) != 1 || segs[0].owner != sharedWorker {
		t.Errorf("outside segment %+v", segs)
	}
}

func TestFindIntersectingVMAs(t *testing.T) {
	sb, _ := newTestSB()
	mm := New(Opts{})

	base, err := sb.reserveRange(SuperblockSize)
	if err != nil {
		t.Fatal(err)
	}
	a := newAnonVMA(mm, hostarch.MakeAddrRange(base, 2*4096), hostarch.Read, 0)
	b := newAnonVMA(mm, hostarch.MakeAddrRange(base+4*4096, 2*4096), hostarch.Read, 0)
	sb.insert(a)
	sb.insert(b)

	// Exact start.
	if got := sb.findIntersectingVMA(base); got != a {
		t.Errorf("findIntersectingVMA(start) = %v", got)
	}
	// Interior address: found via back-step from the lower bound.
	if got := sb.findIntersectingVMA(base + 4096); got != a {
		t.Errorf("findIntersectingVMA(interior) = %v", got)
	}
	// Gap.
	if got := sb.findIntersectingVMA(base + 3*4096); got != nil {
		t.Errorf("findIntersectingVMA(gap) = %v", got)
	}

	// Range queries: a range starting inside a catches it via the
	// predecessor back-step.
	got := sb.findIntersectingVMAs(hostarch.MakeAddrRange(base+4096, 5*4096))
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("findIntersectingVMAs = %v", got)
	}
	// Empty range.
	if got := sb.findIntersectingVMAs(hostarch.AddrRange{Start: base, End: base}); got != nil {
		t.Errorf("empty range intersected %v", got)
	}
}

func TestConcurrentReserveDisjoint(t *testing.T) {
	sb, sc := newTestSB()

	const (
		threads = 8
		perCPU  = 16
	)
	var g errgroup.Group
	results := make([][]uintptr, threads)
	for i := 0; i < threads; i++ {
		i := i
		g.Go(func() error {
			defer sc.Pin(i)()
			for n := 0; n < perCPU; n++ {
				addr, err := sb.reserveRange(1 << 20)
				if err != nil {
					return err
				}
				results[i] = append(results[i], addr)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent reserve: %v", err)
	}

	seen := make(map[uintptr]int)
	for i, addrs := range results {
		for _, a := range addrs {
			if prev, dup := seen[a]; dup {
				t.Fatalf("address %#x reserved by both %d and %d", a, prev, i)
			}
			seen[a] = i
			if owner := sb.owner(a); owner != i {
				t.Errorf("address %#x reserved by %d but owned by %d", a, i, owner)
			}
		}
	}
}

func TestAllocateSuperblocksExhausted(t *testing.T) {
	sb, _ := newTestSB()
	if _, err := sb.allocateSuperblocks(superblockLen + 1); err != unix.ENOMEM {
		t.Errorf("oversized run = %v, want ENOMEM", err)
	}
}
