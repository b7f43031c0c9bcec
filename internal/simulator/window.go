//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package simulator

import "math"

// rssiWindow is a fixed-size ring of the most recent RSSI values
// reported for a tag, kept with a running total so the mean is O(1).
// It is guarded by the owning entry's mutex.
type rssiWindow struct {
	values []float64
	total  float64
	index  int
}

func newRSSIWindow(size int) *rssiWindow {
	if size <= 0 {
		panic("illegal window size")
	}
	return &rssiWindow{values: make([]float64, 0, size)}
}

func (w *rssiWindow) len() int {
	return len(w.values)
}

// mean returns the average of the window, or NaN if it is empty.
func (w *rssiWindow) mean() float64 {
	if len(w.values) == 0 {
		return math.NaN()
	}
	return w.total / float64(len(w.values))
}

// add records v, replacing the oldest value once the window is full.
func (w *rssiWindow) add(v float64) {
	if len(w.values) < cap(w.values) {
		w.values = append(w.values, v)
		w.total += v
		return
	}

	w.total = w.total - w.values[w.index] + v
	w.values[w.index] = v

	w.index++
	if w.index >= cap(w.values) {
		w.index = 0
	}
}

func (w *rssiWindow) reset() {
	w.values = w.values[:0]
	w.total = 0
	w.index = 0
}
