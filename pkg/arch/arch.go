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

// Package arch is the boundary between the memory manager and the hardware:
// exception frames, page-fault error-code decoding, TLB maintenance and
// signal delivery. The memory manager only consumes the Platform interface;
// a production kernel provides the real thing, tests use SimPlatform.
package arch

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Page-fault error code bits, as pushed by the MMU on a fault.
const (
	// PageFaultPresent is set if the fault was a protection violation on a
	// present page, clear if the page was not present.
	PageFaultPresent = 1 << 0

	// PageFaultWrite is set if the faulting access was a write.
	PageFaultWrite = 1 << 1

	// PageFaultUser is set if the fault happened in user mode.
	PageFaultUser = 1 << 2

	// PageFaultInsn is set if the fault was an instruction fetch.
	PageFaultInsn = 1 << 4
)

// ExceptionFrame is the register state saved on a page-fault exception.
type ExceptionFrame struct {
	// PC is the faulting program counter.
	PC uintptr

	// ErrorCode is the MMU-provided fault description.
	ErrorCode uint32
}

// IsPageFaultWrite returns true if the error code describes a write access.
func IsPageFaultWrite(errorCode uint32) bool {
	return errorCode&PageFaultWrite != 0
}

// IsPageFaultInsn returns true if the error code describes an instruction
// fetch.
func IsPageFaultInsn(errorCode uint32) bool {
	return errorCode&PageFaultInsn != 0
}

// Platform is the set of architecture services the memory manager consumes.
type Platform interface {
	// FlushTLBAll invalidates all TLB entries on all CPUs.
	FlushTLBAll()

	// SynchronizePageTableModifications orders page-table writes before any
	// subsequent access to the mapped range. A no-op on strongly ordered
	// architectures.
	SynchronizePageTableModifications()

	// SynchronizeCPUCaches makes instruction fetch coherent with data writes
	// in [addr, addr+size). Required after populating executable mappings on
	// architectures with non-unified caches.
	SynchronizeCPUCaches(addr, size uintptr)

	// EnsureNextTwoStackPages touches the next two pages of the current
	// stack. Callers must invoke this before taking a VMA write lock so the
	// fault handler never recurses onto a lock the caller holds.
	EnsureNextTwoStackPages()

	// InKernelText returns true if pc lies within the kernel's text segment.
	// A fault whose PC satisfies this is unrecoverable.
	InKernelText(pc uintptr) bool

	// HandleMMapFault delivers sig to the thread that faulted at addr.
	HandleMMapFault(addr uintptr, sig unix.Signal, ef *ExceptionFrame)
}

// Fault records one delivered signal.
type Fault struct {
	Addr   uintptr
	Signal unix.Signal
}

// SimPlatform is a Platform for a machine that exists only in tests: TLB
// flushes are counted rather than executed, barriers and cache maintenance
// are no-ops, and delivered signals are recorded for inspection.
type SimPlatform struct {
	tlbFlushes atomic.Uint64

	mu     sync.Mutex
	faults []Fault
}

// NewSimPlatform returns an empty SimPlatform.
func NewSimPlatform() *SimPlatform {
	return &SimPlatform{}
}

// FlushTLBAll implements Platform.FlushTLBAll.
func (p *SimPlatform) FlushTLBAll() {
	p.tlbFlushes.Add(1)
}

// SynchronizePageTableModifications implements
// Platform.SynchronizePageTableModifications.
func (p *SimPlatform) SynchronizePageTableModifications() {}

// SynchronizeCPUCaches implements Platform.SynchronizeCPUCaches.
func (p *SimPlatform) SynchronizeCPUCaches(addr, size uintptr) {}

// EnsureNextTwoStackPages implements Platform.EnsureNextTwoStackPages.
func (p *SimPlatform) EnsureNextTwoStackPages() {}

// InKernelText implements Platform.InKernelText. The simulated kernel has no
// text segment.
func (p *SimPlatform) InKernelText(pc uintptr) bool {
	return false
}

// HandleMMapFault implements Platform.HandleMMapFault.
func (p *SimPlatform) HandleMMapFault(addr uintptr, sig unix.Signal, ef *ExceptionFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = append(p.faults, Fault{Addr: addr, Signal: sig})
}

// TLBFlushCount returns the number of global TLB flushes issued so far.
func (p *SimPlatform) TLBFlushCount() uint64 {
	return p.tlbFlushes.Load()
}

// Faults returns the signals delivered so far, oldest first.
func (p *SimPlatform) Faults() []Fault {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fault(nil), p.faults...)
}

// TakeFaults returns and clears the recorded signals.
func (p *SimPlatform) TakeFaults() []Fault {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.faults
	p.faults = nil
	return f
}
