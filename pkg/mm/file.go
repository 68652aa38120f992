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
	"sync"

	"nucleus.dev/nucleus/pkg/hostarch"
	"nucleus.dev/nucleus/pkg/pagetables"
)

// FileFlags describe how a file was opened.
type FileFlags uint32

const (
	// FileReadable is set if the file is open for reading.
	FileReadable FileFlags = 1 << iota

	// FileWritable is set if the file is open for writing.
	FileWritable
)

// FileStat is the subset of stat(2) the memory manager consumes.
type FileStat struct {
	Size  int64
	Inode uint64
	Dev   uint64
}

// File is the filesystem collaborator: anything that can back a mapping.
type File interface {
	// Read reads from the file at off into p, returning the number of
	// bytes read. Short reads past end-of-file are not errors.
	Read(p []byte, off int64) (int, error)

	// Write writes p to the file at off.
	Write(p []byte, off int64) (int, error)

	// Stat returns the file's metadata.
	Stat() (FileStat, error)

	// Sync writes back the file's cached pages in [start, end). Only
	// meaningful for files whose mappings are cache-backed.
	Sync(start, end int64) error

	// FSync flushes the file to stable storage.
	FSync() error

	// Flags returns the open-mode flags.
	Flags() FileFlags

	// Path returns the file's path for introspection.
	Path() string

	// NoExecMount returns true if the file's mount forbids execution.
	NoExecMount() bool

	// Mmap is the factory producing a file-backed VMA over ar at the
	// given file offset. Splitting a file VMA also goes through here.
	Mmap(mm *MemoryManager, ar hostarch.AddrRange, flags Flags, perm hostarch.AccessType, offset int64) (*VMA, error)

	// MapPage installs the page-cache page at offset into ptep. Returns
	// true if a new page was installed. Only called for mappings created
	// by PageCacheFileMmap.
	MapPage(mm *MemoryManager, offset uintptr, level int, ptep *pagetables.PTE, pte pagetables.PTE, write, shared bool) bool

	// PutPage releases the page-cache page at offset. Returning true
	// authorizes the walker to free the backing page after the TLB
	// flush; page-cache owners return false.
	PutPage(mm *MemoryManager, phys uintptr, offset uintptr, level int, ptep *pagetables.PTE) bool
}

// DefaultFileMmap builds a file VMA whose pages are read into freshly
// allocated anonymous memory. Used by filesystems without a page cache.
func DefaultFileMmap(mm *MemoryManager, f File, ar hostarch.AddrRange, flags Flags, perm hostarch.AccessType, offset int64) (*VMA, error) {
	return NewFileVMA(mm, ar, perm, flags, f, offset, &fileReadProvider{
		anonProvider: anonProvider{mm: mm},
		file:         f,
		foffset:      offset,
	})
}

// PageCacheFileMmap builds a file VMA whose page lifecycle is owned by the
// file's own MapPage/PutPage.
func PageCacheFileMmap(mm *MemoryManager, f File, ar hostarch.AddrRange, flags Flags, perm hostarch.AccessType, offset int64) (*VMA, error) {
	return NewFileVMA(mm, ar, perm, flags, f, offset, &fileMmapProvider{
		mm:      mm,
		file:    f,
		foffset: offset,
		shared:  flags&FlagShared != 0,
	})
}

// ShmFile is a shared-memory file: a table of huge pages owned by the file
// itself, created zero-filled on demand and released on Close.
type ShmFile struct {
	size int64

	mu    sync.Mutex
	pages map[uintptr]uintptr // huge-aligned offset -> physical huge page
	mm    *MemoryManager
}

// NewShmFile returns a shared-memory file of the given size.
func NewShmFile(mm *MemoryManager, size int64) *ShmFile {
	return &ShmFile{
		size:  size,
		pages: make(map[uintptr]uintptr),
		mm:    mm,
	}
}

// page returns the huge page backing hpOff, allocating it zero-filled if
// needed.
func (f *ShmFile) page(hpOff uintptr) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if phys, ok := f.pages[hpOff]; ok {
		return phys
	}
	phys := f.mm.pool.AllocHugePage(hostarch.HugePageSize)
	if phys == 0 {
		return 0
	}
	clear(f.mm.pool.View(phys, hostarch.HugePageSize))
	f.pages[hpOff] = phys
	return phys
}

// Read implements File.Read.
func (f *ShmFile) Read(p []byte, off int64) (int, error) {
	if off >= f.size {
		return 0, nil
	}
	if max := f.size - off; int64(len(p)) > max {
		p = p[:max]
	}
	hpOff := hostarch.HugeRoundDown(uintptr(off))
	phys := f.page(hpOff)
	view := f.mm.pool.View(phys+uintptr(off)-hpOff, uintptr(len(p)))
	return copy(p, view), nil
}

// Write implements File.Write.
func (f *ShmFile) Write(p []byte, off int64) (int, error) {
	hpOff := hostarch.HugeRoundDown(uintptr(off))
	phys := f.page(hpOff)
	view := f.mm.pool.View(phys+uintptr(off)-hpOff, uintptr(len(p)))
	return copy(view, p), nil
}

// Stat implements File.Stat.
func (f *ShmFile) Stat() (FileStat, error) {
	return FileStat{Size: f.size}, nil
}

// Sync implements File.Sync. Shared memory has no backing store.
func (f *ShmFile) Sync(start, end int64) error { return nil }

// FSync implements File.FSync.
func (f *ShmFile) FSync() error { return nil }

// Flags implements File.Flags.
func (f *ShmFile) Flags() FileFlags { return FileReadable | FileWritable }

// Path implements File.Path.
func (f *ShmFile) Path() string { return "/dev/shm" }

// NoExecMount implements File.NoExecMount.
func (f *ShmFile) NoExecMount() bool { return false }

// Mmap implements File.Mmap.
func (f *ShmFile) Mmap(mm *MemoryManager, ar hostarch.AddrRange, flags Flags, perm hostarch.AccessType, offset int64) (*VMA, error) {
	return PageCacheFileMmap(mm, f, ar, flags, perm, offset)
}

// MapPage implements File.MapPage.
func (f *ShmFile) MapPage(mm *MemoryManager, offset uintptr, level int, ptep *pagetables.PTE, pte pagetables.PTE, write, shared bool) bool {
	hpOff := hostarch.HugeRoundDown(offset)
	if level > 0 && hpOff != offset {
		panic("mm: unaligned huge mapping of shared memory")
	}
	phys := f.page(hpOff)
	if phys == 0 {
		return false
	}
	return ptep.CompareAndSwap(pagetables.MakeEmpty(), pte.WithAddress(phys+offset-hpOff))
}

// PutPage implements File.PutPage. Page lifetime is tied to file close.
func (f *ShmFile) PutPage(mm *MemoryManager, phys uintptr, offset uintptr, level int, ptep *pagetables.PTE) bool {
	ptep.Clear()
	return false
}

// Close releases the file's huge pages.
func (f *ShmFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, phys := range f.pages {
		f.mm.pool.FreeHugePage(phys, hostarch.HugePageSize)
	}
	f.pages = make(map[uintptr]uintptr)
	return nil
}
