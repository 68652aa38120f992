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

// Package sched is the scheduler boundary: the current CPU id, and read-copy
// -update sections used to defer freeing of page-table pages that concurrent
// walkers may still be traversing.
package sched

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// MaxCPUs is the upper limit of CPUs the kernel can be initialized with.
// The superblock area is sharded into per-CPU workers up to this count.
const MaxCPUs = 64

// Scheduler reports which CPU the calling thread runs on.
type Scheduler interface {
	// CurrentCPU returns the id of the CPU executing the caller, in
	// [0, MaxCPUs).
	CurrentCPU() int
}

// SimScheduler is a Scheduler for environments without CPU affinity: each
// goroutine may pin itself to a simulated CPU. Unpinned goroutines run on
// CPU 0.
type SimScheduler struct {
	cpus sync.Map // goroutine id -> int
}

// NewSimScheduler returns a SimScheduler with all goroutines on CPU 0.
func NewSimScheduler() *SimScheduler {
	return &SimScheduler{}
}

// Pin assigns the calling goroutine to cpu and returns an undo function.
func (s *SimScheduler) Pin(cpu int) func() {
	id := goroutineID()
	s.cpus.Store(id, cpu)
	return func() { s.cpus.Delete(id) }
}

// CurrentCPU implements Scheduler.CurrentCPU.
func (s *SimScheduler) CurrentCPU() int {
	if cpu, ok := s.cpus.Load(goroutineID()); ok {
		return cpu.(int)
	}
	return 0
}

// goroutineID parses the goroutine id out of the first line of the caller's
// stack dump ("goroutine N [running]: ...").
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// RCU provides read sections and deferred reclamation. A callback passed to
// Defer runs only once every read section that was active at the time of the
// call has exited.
//
// The implementation is conservative: callbacks run when the global count of
// active readers drops to zero, which is at or after the required grace
// period.
type RCU struct {
	mu      sync.Mutex
	readers int
	pending []func()
}

// ReadLock enters a read section.
func (r *RCU) ReadLock() {
	r.mu.Lock()
	r.readers++
	r.mu.Unlock()
}

// ReadUnlock exits a read section, running deferred callbacks if this was
// the last active reader.
func (r *RCU) ReadUnlock() {
	r.mu.Lock()
	r.readers--
	var run []func()
	if r.readers == 0 {
		run = r.pending
		r.pending = nil
	}
	r.mu.Unlock()
	for _, f := range run {
		f()
	}
}

// Defer schedules f to run after the current grace period. If no read
// section is active, f runs immediately.
func (r *RCU) Defer(f func()) {
	r.mu.Lock()
	if r.readers == 0 {
		r.mu.Unlock()
		f()
		return
	}
	r.pending = append(r.pending, f)
	r.mu.Unlock()
}
