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
	"sync/atomic"

	"nucleus.dev/nucleus/pkg/hostarch"
)

// PTE bit layout, x86-64 style. Bits 9-11 are software-available.
const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteAccessed = 1 << 5
	pteDirty    = 1 << 6
	pteLarge    = 1 << 7

	// pteCOW marks a 4K page as copy-on-write: requests to make it
	// writable are downgraded until the copy happens.
	pteCOW = 1 << 9

	// pteNoAccess marks a present page mapped with no permissions
	// (mprotect(PROT_NONE)). The entry stays valid so the backing page is
	// not lost, but every access faults.
	pteNoAccess = 1 << 10

	// pteDevice selects the device (uncached) memory attribute for linear
	// mappings.
	pteDevice = 1 << 11

	executeDisable = 1 << 63

	addressMask = 0x000ffffffffff000
)

// PTE is a page table entry. All accesses through a *PTE in a live table
// must use the atomic methods, since concurrent walkers read entries without
// synchronization.
type PTE uint64

// PTEs is a page table: one page worth of entries.
type PTEs [entriesPerPage]PTE

// MapOpts are options for constructing a leaf PTE.
type MapOpts struct {
	// Access is the permission set for the mapping.
	Access hostarch.AccessType

	// Dirty sets the dirty bit at install time.
	Dirty bool

	// Device selects the device memory attribute.
	Device bool
}

// Load atomically reads the entry.
func (p *PTE) Load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

// Store atomically writes the entry.
func (p *PTE) Store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

// CompareAndSwap atomically replaces the entry with new iff it still holds
// old.
func (p *PTE) CompareAndSwap(old, new PTE) bool {
	return atomic.CompareAndSwapUint64((*uint64)(p), uint64(old), uint64(new))
}

// Clear atomically empties the entry.
func (p *PTE) Clear() {
	p.Store(0)
}

// Valid returns true if the entry is present.
func (e PTE) Valid() bool { return e&ptePresent != 0 }

// Empty returns true if the entry is unused.
func (e PTE) Empty() bool { return e == 0 }

// Writable returns true if the entry permits writes.
func (e PTE) Writable() bool { return e&pteWritable != 0 }

// Executable returns true if the entry permits instruction fetch.
func (e PTE) Executable() bool { return e.Valid() && e&executeDisable == 0 }

// Dirty returns true if the entry's dirty bit is set.
func (e PTE) Dirty() bool { return e&pteDirty != 0 }

// Large returns true if the entry is a large leaf at an intermediate level.
func (e PTE) Large() bool { return e&pteLarge != 0 }

// COW returns true if the entry carries the copy-on-write software bit.
func (e PTE) COW() bool { return e&pteCOW != 0 }

// NoAccess returns true if the entry is present but inaccessible.
func (e PTE) NoAccess() bool { return e&pteNoAccess != 0 }

// Device returns true if the entry uses the device memory attribute.
func (e PTE) Device() bool { return e&pteDevice != 0 }

// Address returns the physical address held by the entry.
func (e PTE) Address() uintptr { return uintptr(e & addressMask) }

// Access returns the permission set encoded in the entry.
func (e PTE) Access() hostarch.AccessType {
	if !e.Valid() || e.NoAccess() {
		return hostarch.NoAccess
	}
	at := hostarch.Read
	if e.Writable() {
		at |= hostarch.Write
	}
	if e.Executable() {
		at |= hostarch.Execute
	}
	return at
}

// Opts returns the entry's options, for rebuilding it at another level or
// granularity.
func (e PTE) Opts() MapOpts {
	return MapOpts{
		Access: e.Access(),
		Dirty:  e.Dirty(),
		Device: e.Device(),
	}
}

// WithAddress returns a copy of e holding the given physical address.
func (e PTE) WithAddress(phys uintptr) PTE {
	return e&^addressMask | PTE(phys)&addressMask
}

// WithDirty returns a copy of e with the dirty bit set to d.
func (e PTE) WithDirty(d bool) PTE {
	if d {
		return e | pteDirty
	}
	return e &^ pteDirty
}

// WithAccess returns a copy of e granting exactly the given permissions,
// preserving its address, dirty bit and size. If the present bit was off,
// it is turned on: granting any permission implies presence.
func (e PTE) WithAccess(at hostarch.AccessType) PTE {
	e |= ptePresent | executeDisable
	e &^= pteWritable | pteNoAccess
	if !at.Any() {
		e |= pteNoAccess
	}
	if at.CanWrite() {
		e |= pteWritable
	}
	if at.CanExecute() {
		e &^= executeDisable
	}
	return e
}

// setLarge returns a copy of e with the large bit set to l.
func (e PTE) setLarge(l bool) PTE {
	if l {
		return e | pteLarge
	}
	return e &^ pteLarge
}

// MakeEmpty returns an empty entry.
func MakeEmpty() PTE { return 0 }

// MakeLeaf returns a leaf entry mapping phys with the given options. large
// must be true iff the entry will be installed at an intermediate level.
func MakeLeaf(phys uintptr, opts MapOpts, large bool) PTE {
	e := PTE(phys)&addressMask | ptePresent | pteAccessed | executeDisable
	if !opts.Access.Any() {
		e |= pteNoAccess
	}
	if opts.Access.CanWrite() {
		e |= pteWritable
	}
	if opts.Access.CanExecute() {
		e &^= executeDisable
	}
	if opts.Dirty {
		e |= pteDirty
	}
	if opts.Device {
		e |= pteDevice
	}
	if large {
		e |= pteLarge
	}
	return e
}

// MakeIntermediate returns an entry pointing at a next-level table. The
// entry is maximally permissive; permissions are enforced at the leaves.
func MakeIntermediate(phys uintptr) PTE {
	return PTE(phys)&addressMask | ptePresent | pteWritable
}

// MarkCOW returns e with the copy-on-write software bit set to cow.
// Only 4K entries can be COW; setting it also strips writability.
func MarkCOW(e PTE, cow bool) PTE {
	if cow {
		return (e | pteCOW) &^ pteWritable
	}
	return e &^ pteCOW
}
