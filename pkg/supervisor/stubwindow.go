// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import "time"

// stubWindow counts protocol stub frames over a rolling time window.
// Not safe for concurrent use; the supervisor guards it with its lock.
type stubWindow struct {
	window    time.Duration
	threshold int
	seen      []time.Time
}

// add records a stub seen at now and reports whether more than threshold
// stubs have been seen within the window.
func (w *stubWindow) add(now time.Time) bool {
	if w.threshold <= 0 || w.window <= 0 {
		return false
	}
	cutoff := now.Add(-w.window)
	keep := w.seen[:0]
	for _, ts := range w.seen {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	w.seen = append(keep, now)
	return len(w.seen) > w.threshold
}

func (w *stubWindow) reset() {
	w.seen = w.seen[:0]
}
