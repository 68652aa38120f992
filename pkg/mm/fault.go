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
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"nucleus.dev/nucleus/pkg/arch"
	"nucleus.dev/nucleus/pkg/hostarch"
)

// accessFault returns true if the faulting access kind is not permitted by
// v.
func accessFault(v *VMA, errorCode uint32) bool {
	perm := v.perm
	if arch.IsPageFaultInsn(errorCode) {
		return !perm.CanExecute()
	}
	if arch.IsPageFaultWrite(errorCode) {
		return !perm.CanWrite()
	}
	return !perm.CanRead()
}

// fastSigsegvCheck catches obviously bad addresses without touching any
// shard state: out of the walkable window, or inside a superblock no CPU
// has claimed.
func (mm *MemoryManager) fastSigsegvCheck(addr uintptr) bool {
	if addr >= upperAddressLimit {
		return true
	}
	return mm.sb.owner(addr) >= len(mm.sb.workers)
}

// sigsegv delivers SIGSEGV for the fault at addr, aborting instead if the
// faulting PC lies in kernel text.
func (mm *MemoryManager) sigsegv(addr uintptr, ef *arch.ExceptionFrame) {
	if mm.platform.InKernelText(ef.PC) {
		mm.log.WithFields(logrus.Fields{
			"addr": addr,
			"pc":   ef.PC,
		}).Error("page fault outside application")
		panic("mm: page fault outside application")
	}
	if mm.faultLimit.Allow() {
		mm.log.WithFields(logrus.Fields{
			"addr":       addr,
			"error_code": ef.ErrorCode,
		}).Debug("SIGSEGV")
	}
	mm.platform.HandleMMapFault(addr, unix.SIGSEGV, ef)
}

// sigbus delivers SIGBUS for the fault at addr.
func (mm *MemoryManager) sigbus(addr uintptr, ef *arch.ExceptionFrame) {
	if mm.faultLimit.Allow() {
		mm.log.WithFields(logrus.Fields{
			"addr":       addr,
			"error_code": ef.ErrorCode,
		}).Debug("SIGBUS")
	}
	mm.platform.HandleMMapFault(addr, unix.SIGBUS, ef)
}

// VMFault is the page-fault entry point: it resolves the faulting address
// to a VMA and populates the missing page, or delivers a signal.
func (mm *MemoryManager) VMFault(addr uintptr, ef *arch.ExceptionFrame) {
	if mm.fastSigsegvCheck(addr) {
		mm.sigsegv(addr, ef)
		return
	}
	addr = hostarch.PageRoundDown(addr)

	lock := mm.sb.vmaLock(addr)
	lock.RLock()
	defer lock.RUnlock()

	v := mm.sb.findIntersectingVMA(addr)
	if v == nil || v.Size() == 0 || accessFault(v, ef.ErrorCode) {
		mm.sigsegv(addr, ef)
		return
	}
	v.fault(addr, ef)
}
