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

	"nucleus.dev/nucleus/pkg/arch"
	"nucleus.dev/nucleus/pkg/hostarch"
)

// Flags describe a mapping's behavior.
type Flags uint32

const (
	// FlagFixed places the mapping at the requested address, replacing
	// whatever is there.
	FlagFixed Flags = 1 << iota

	// FlagPopulate backs the whole mapping eagerly.
	FlagPopulate

	// FlagShared makes writes visible to other mappings of the same file.
	FlagShared

	// FlagFile marks a file-backed mapping.
	FlagFile

	// FlagSmall restricts the mapping to 4K pages.
	FlagSmall

	// FlagUninitialized skips zero-filling of anonymous pages.
	FlagUninitialized

	// FlagJVMHeap and FlagJVMBalloon are reserved for the cooperative
	// ballooning path; the bits are carried opaquely.
	FlagJVMHeap
	FlagJVMBalloon
)

// vmaKind discriminates the VMA variants.
type vmaKind uint8

const (
	vmaAnon vmaKind = iota
	vmaFile
)

// VMA is a virtual memory area: a page-aligned half-open range with uniform
// permissions and backing.
type VMA struct {
	mm *MemoryManager
	ar hostarch.AddrRange

	perm     hostarch.AccessType
	flags    Flags
	mapDirty bool
	provider PageProvider
	kind     vmaKind

	// File backing, valid iff kind == vmaFile.
	file   File
	offset int64
	inode  uint64
	devID  uint64
}

// newSentinelVMA returns a zero-size registry sentinel.
func newSentinelVMA(addr uintptr) *VMA {
	return &VMA{ar: hostarch.AddrRange{Start: addr, End: addr}}
}

// newAnonVMA returns an anonymous VMA. Pages are zero-filled on fault unless
// FlagUninitialized is set.
func newAnonVMA(mm *MemoryManager, ar hostarch.AddrRange, perm hostarch.AccessType, flags Flags) *VMA {
	v := &VMA{
		mm:       mm,
		ar:       alignRange(ar),
		perm:     perm,
		flags:    flags,
		mapDirty: true,
		kind:     vmaAnon,
	}
	if flags&FlagUninitialized != 0 {
		v.provider = &anonProvider{mm: mm}
	} else {
		v.provider = &anonProvider{mm: mm, zero: true}
	}
	return v
}

// NewFileVMA returns a file-backed VMA using the given page provider. File
// implementations call this from their Mmap factories.
func NewFileVMA(mm *MemoryManager, ar hostarch.AddrRange, perm hostarch.AccessType, flags Flags, f File, offset int64, provider PageProvider) (*VMA, error) {
	v := &VMA{
		mm:       mm,
		ar:       alignRange(ar),
		perm:     perm,
		flags:    flags | FlagFile | FlagSmall,
		mapDirty: flags&FlagShared == 0,
		provider: provider,
		kind:     vmaFile,
		file:     f,
		offset:   offset,
	}
	if err := v.validatePerm(perm); err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	v.inode = st.Inode
	v.devID = st.Dev
	return v, nil
}

func alignRange(ar hostarch.AddrRange) hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: hostarch.PageRoundDown(ar.Start),
		End:   hostarch.MustPageRoundUp(ar.End),
	}
}

// Start returns the first address of the VMA.
func (v *VMA) Start() uintptr { return v.ar.Start }

// End returns the first address past the VMA.
func (v *VMA) End() uintptr { return v.ar.End }

// Size returns the VMA's length in bytes.
func (v *VMA) Size() uintptr { return v.ar.End - v.ar.Start }

// Perm returns the VMA's permission set.
func (v *VMA) Perm() hostarch.AccessType { return v.perm }

// Flags returns the VMA's flags.
func (v *VMA) Flags() Flags { return v.flags }

func (v *VMA) set(start, end uintptr) {
	v.ar = alignRange(hostarch.AddrRange{Start: start, End: end})
}

func (v *VMA) protect(perm hostarch.AccessType) {
	v.perm = perm
}

func (v *VMA) hasFlags(f Flags) bool {
	return v.flags&f != 0
}

func (v *VMA) updateFlags(f Flags) {
	v.flags |= f
}

// pageOps returns the VMA's page provider.
func (v *VMA) pageOps() PageProvider {
	return v.provider
}

// fileOffset returns the file offset backing addr.
func (v *VMA) fileOffset(addr uintptr) int64 {
	return v.offset + int64(addr-v.ar.Start)
}

// split cuts the VMA at edge, inserting a new VMA covering [edge, End) of
// the same variant. A no-op if edge is not strictly inside the VMA.
//
// Precondition: the owner's vmaMu is held for writing.
func (v *VMA) split(edge uintptr) error {
	if edge <= v.ar.Start || edge >= v.ar.End {
		return nil
	}
	var (
		n   *VMA
		err error
	)
	switch v.kind {
	case vmaAnon:
		n = newAnonVMA(v.mm, hostarch.AddrRange{Start: edge, End: v.ar.End}, v.perm, v.flags)
	case vmaFile:
		// The new VMA comes from the file's own factory so it gets the
		// right provider at the right offset.
		n, err = v.file.Mmap(v.mm, hostarch.AddrRange{Start: edge, End: v.ar.End}, v.flags, v.perm, v.fileOffset(edge))
		if err != nil {
			return err
		}
	}
	v.set(v.ar.Start, edge)
	v.mm.sb.insert(n)
	v.mm.rangeSetInsert(v.ar)
	v.mm.rangeSetInsert(n.ar)
	return nil
}

// validatePerm checks that the requested permissions are compatible with the
// backing file.
func (v *VMA) validatePerm(perm hostarch.AccessType) error {
	if v.kind != vmaFile {
		return nil
	}
	fl := v.file.Flags()
	// Mapping a file requires it to be open for reading.
	if fl&FileReadable == 0 {
		return unix.EACCES
	}
	if perm.CanWrite() && v.hasFlags(FlagShared) && fl&FileWritable == 0 {
		return unix.EACCES
	}
	if perm.CanExecute() && v.file.NoExecMount() {
		return unix.EPERM
	}
	return nil
}

// sync writes back the dirty pages of [start, end) for shared file
// mappings. Anonymous VMAs have nothing to sync.
func (v *VMA) sync(start, end uintptr) error {
	if v.kind == vmaAnon {
		return nil
	}
	if !v.hasFlags(FlagShared) {
		return unix.ENOMEM
	}

	if _, ok := v.provider.(*fileReadProvider); ok {
		// Read-backed mapping: harvest dirty pages and write them out
		// ourselves.
		if start < v.ar.Start {
			start = v.ar.Start
		}
		if end > v.ar.End {
			end = v.ar.End
		}
		st, err := v.file.Stat()
		if err != nil {
			return err
		}
		sync := &dirtyPageSync{mm: v.mm, file: v.file, offset: v.offset, size: st.Size}
		cleaner := newDirtyCleaner(sync)
		n, err := v.mm.operateRange(cleaner, v.ar.Start, start, end-start)
		if err != nil {
			return err
		}
		if n != 0 {
			return v.file.FSync()
		}
		return nil
	}

	// Cache-backed mapping: the filesystem owns the pages.
	if err := v.file.Sync(v.fileOffset(start), v.fileOffset(end)); err != nil {
		return err
	}
	return v.file.FSync()
}

// fault populates the page (or huge page) containing addr.
//
// Precondition: the owner's vmaMu is held (for reading suffices; PTE
// installs are compare-and-swap).
func (v *VMA) fault(addr uintptr, ef *arch.ExceptionFrame) {
	hpStart := hostarch.AlignUp(v.ar.Start, hostarch.HugePageSize)
	hpEnd := hostarch.AlignDown(v.ar.End, hostarch.HugePageSize)

	var fileSize int64
	if v.kind == vmaFile {
		st, err := v.file.Stat()
		if err != nil {
			v.mm.sigbus(addr, ef)
			return
		}
		fileSize = st.Size
		if v.fileOffset(addr) >= fileSize {
			v.mm.sigbus(addr, ef)
			return
		}
	}

	size := uintptr(hostarch.PageSize)
	if !v.hasFlags(FlagSmall|FlagJVMBalloon) && hpStart <= addr && addr < hpEnd &&
		(v.kind != vmaFile || v.fileOffset(hpEnd) < fileSize) {
		addr = hostarch.HugeRoundDown(addr)
		size = hostarch.HugePageSize
	}

	v.mm.populateVMA(v, addr, size, arch.IsPageFaultWrite(ef.ErrorCode))
}

// LinearVMA is a fixed direct mapping of a physical range, registered for
// introspection only; it does not participate in faulting.
type LinearVMA struct {
	virt   uintptr
	phys   uintptr
	size   uintptr
	device bool
	name   string
}

// Start returns the first virtual address of the mapping.
func (v *LinearVMA) Start() uintptr { return v.virt }

// End returns the first virtual address past the mapping.
func (v *LinearVMA) End() uintptr { return v.virt + v.size }

// Phys returns the mapped physical base.
func (v *LinearVMA) Phys() uintptr { return v.phys }

// Name returns the mapping's registration name.
func (v *LinearVMA) Name() string { return v.name }

func linearVMALess(a, b *LinearVMA) bool { return a.virt < b.virt }
