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
	"bytes"
	"fmt"
)

const (
	// devMinorBits is the number of minor bits in a device number.
	devMinorBits = 20
)

// ProcfsMaps renders every live VMA as one /proc/self/maps line, shard by
// shard. Registry sentinels are not shown.
func (mm *MemoryManager) ProcfsMaps() string {
	var b bytes.Buffer
	for i := range mm.sb.workers {
		w := &mm.sb.workers[i]
		w.vmaMu.RLock()
		w.vmas.Ascend(func(v *VMA) bool {
			if v.Size() == 0 {
				return true
			}
			private := byte('p')
			if v.hasFlags(FlagShared) {
				private = 's'
			}
			fmt.Fprintf(&b, "%x-%x %s%c ", v.ar.Start, v.ar.End, v.perm, private)
			if v.hasFlags(FlagFile) {
				devMajor := uint32(v.devID >> devMinorBits)
				devMinor := uint32(v.devID & (1<<devMinorBits - 1))
				fmt.Fprintf(&b, "%08x %02x:%02x %d %s\n", v.offset, devMajor, devMinor, v.inode, v.file.Path())
			} else {
				b.WriteString("00000000 00:00 0\n")
			}
			return true
		})
		w.vmaMu.RUnlock()
	}
	return b.String()
}

// SysfsLinearMaps renders the registered linear mappings, one per line.
func (mm *MemoryManager) SysfsLinearMaps() string {
	var b bytes.Buffer
	mm.linearMu.RLock()
	defer mm.linearMu.RUnlock()
	mm.linearVMAs.Ascend(func(v *LinearVMA) bool {
		mattr := byte('n')
		if v.device {
			mattr = 'd'
		}
		fmt.Fprintf(&b, "%#18x %#18x %12x rwxp %c %s\n",
			v.virt, v.phys, v.size, mattr, v.name)
		return true
	})
	return b.String()
}
