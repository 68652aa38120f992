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

package hostarch

import "testing"

func TestPageRounding(t *testing.T) {
	for _, tc := range []struct {
		in       uintptr
		down, up uintptr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize - 1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize},
	} {
		if got := PageRoundDown(tc.in); got != tc.down {
			t.Errorf("PageRoundDown(%#x) = %#x, want %#x", tc.in, got, tc.down)
		}
		up, ok := PageRoundUp(tc.in)
		if !ok || up != tc.up {
			t.Errorf("PageRoundUp(%#x) = %#x (%v), want %#x", tc.in, up, ok, tc.up)
		}
	}

	if _, ok := PageRoundUp(^uintptr(0)); ok {
		t.Error("PageRoundUp at the top of the address space did not report overflow")
	}
}

func TestHugeRounding(t *testing.T) {
	if got := HugeRoundDown(HugePageSize + 123); got != HugePageSize {
		t.Errorf("HugeRoundDown = %#x, want %#x", got, uintptr(HugePageSize))
	}
	up, ok := HugeRoundUp(HugePageSize + 123)
	if !ok || up != 2*HugePageSize {
		t.Errorf("HugeRoundUp = %#x (%v)", up, ok)
	}
}

func TestAddrRange(t *testing.T) {
	ar := MakeAddrRange(0x1000, 0x2000)
	if ar.Length() != 0x2000 || !ar.Contains(0x1000) || ar.Contains(0x3000) {
		t.Errorf("bad range %v", ar)
	}
	if !ar.Overlaps(AddrRange{Start: 0x2fff, End: 0x4000}) {
		t.Error("adjacent-overlapping ranges reported disjoint")
	}
	if ar.Overlaps(AddrRange{Start: 0x3000, End: 0x4000}) {
		t.Error("touching ranges reported overlapping")
	}
	got := ar.Intersect(AddrRange{Start: 0x2000, End: 0x5000})
	if got.Start != 0x2000 || got.End != 0x3000 {
		t.Errorf("Intersect = %v", got)
	}
}

func TestAccessTypeString(t *testing.T) {
	for _, tc := range []struct {
		at   AccessType
		want string
	}{
		{NoAccess, "---"},
		{Read, "r--"},
		{ReadWrite, "rw-"},
		{ReadWriteExecute, "rwx"},
		{Execute, "--x"},
	} {
		if got := tc.at.String(); got != tc.want {
			t.Errorf("%v.String() = %q, want %q", uint(tc.at), got, tc.want)
		}
	}
}
