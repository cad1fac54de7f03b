/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timer

import (
	"sync"

	"github.com/friendsincode/chargequeue/internal/telemetry"
)

// Registry owns the pending timer handles for each entry.
type Registry struct {
	mu      sync.Mutex
	handles map[uint][]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[uint][]Handle)}
}

// Add records h under id.
func (r *Registry) Add(id uint, h Handle) {
	r.mu.Lock()
	r.handles[id] = append(r.handles[id], h)
	n := len(r.handles)
	r.mu.Unlock()
	telemetry.TimersArmed.Set(float64(n))
}

// Cancel stops and forgets every handle for id. It reports whether any
// were registered.
func (r *Registry) Cancel(id uint) bool {
	r.mu.Lock()
	hs, ok := r.handles[id]
	delete(r.handles, id)
	n := len(r.handles)
	r.mu.Unlock()
	telemetry.TimersArmed.Set(float64(n))

	for _, h := range hs {
		h.Stop()
	}
	return ok
}

// CancelAll stops every handle and returns how many entries had timers.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	all := r.handles
	r.handles = make(map[uint][]Handle)
	r.mu.Unlock()
	telemetry.TimersArmed.Set(0)

	for _, hs := range all {
		for _, h := range hs {
			h.Stop()
		}
	}
	return len(all)
}

// Has reports whether id has pending handles.
func (r *Registry) Has(id uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

// Len returns the number of entries with pending handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
