//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"sync"
)

// Recorder keeps the most recent events in memory.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
	index  int
	total  int
	counts map[Kind]int
}

// NewRecorder allocates a Recorder holding up to size events.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		panic("illegal recorder size")
	}
	return &Recorder{events: make([]Event, 0, size), counts: map[Kind]int{}}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.counts[e.Kind]++
	if len(r.events) < cap(r.events) {
		r.events = append(r.events, e)
		return
	}

	r.events[r.index] = e
	r.index++
	if r.index >= cap(r.events) {
		r.index = 0
	}
}

// Events returns the retained events, oldest first.
func (r *Recorder) Events() []Event {
	return r.Filter(func(Event) bool { return true })
}

// Filter returns retained events matching keep, oldest first.
func (r *Recorder) Filter(keep func(Event) bool) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Event
	n := len(r.events)
	for i := 0; i < n; i++ {
		e := r.events[(r.index+i)%n]
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) ByKind(k Kind) []Event {
	return r.Filter(func(e Event) bool { return e.Kind == k })
}

func (r *Recorder) ByEPC(epc string) []Event {
	return r.Filter(func(e Event) bool { return e.EPC == epc })
}

// Count is the number of events of kind k ever seen, retained or not.
func (r *Recorder) Count(k Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[k]
}

// Total is the number of events ever seen.
func (r *Recorder) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Reset forgets everything.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = r.events[:0]
	r.index = 0
	r.total = 0
	r.counts = map[Kind]int{}
	r.mu.Unlock()
}
