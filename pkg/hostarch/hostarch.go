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

// Package hostarch defines properties of the virtual address space that the
// rest of the memory manager is written against: page geometry, address
// arithmetic and access types.
package hostarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the huge page size.
	HugePageShift = 21

	// HugePageSize is the huge page size.
	HugePageSize = 1 << HugePageShift

	// PagesPerHugePage is the number of base pages in a huge page.
	PagesPerHugePage = HugePageSize / PageSize
)

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown(x uintptr) uintptr {
	return x &^ (PageSize - 1)
}

// PageRoundUp returns x rounded up to the nearest page boundary. ok is false
// iff rounding up wrapped around.
func PageRoundUp(x uintptr) (addr uintptr, ok bool) {
	addr = PageRoundDown(x + PageSize - 1)
	ok = addr >= x
	return
}

// MustPageRoundUp is equivalent to PageRoundUp, but panics if rounding up
// wraps around.
func MustPageRoundUp(x uintptr) uintptr {
	addr, ok := PageRoundUp(x)
	if !ok {
		panic("PageRoundUp overflows")
	}
	return addr
}

// HugeRoundDown returns x rounded down to the nearest huge page boundary.
func HugeRoundDown(x uintptr) uintptr {
	return x &^ (HugePageSize - 1)
}

// HugeRoundUp returns x rounded up to the nearest huge page boundary. ok is
// false iff rounding up wrapped around.
func HugeRoundUp(x uintptr) (addr uintptr, ok bool) {
	addr = HugeRoundDown(x + HugePageSize - 1)
	ok = addr >= x
	return
}

// IsPageAligned returns true if x is a multiple of the page size.
func IsPageAligned(x uintptr) bool {
	return x&(PageSize-1) == 0
}

// AlignDown returns x rounded down to a multiple of align. align must be a
// power of two.
func AlignDown(x, align uintptr) uintptr {
	return x &^ (align - 1)
}

// AlignUp returns x rounded up to a multiple of align. align must be a power
// of two.
func AlignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}
