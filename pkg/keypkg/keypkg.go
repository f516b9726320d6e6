// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package keypkg provides the Key Package (KP): a reusable, ordered set of
// (key, value, enabled) rows that amortises per-key backend resolution
// across many flush cycles. Producers get a stable integer handle per key
// via AddKey; resolving that key against every enabled backend happens lazily,
// once, the next time the KP is dirty and flushed.
//
// A KP is single-threaded per instance: callers must serialise their own
// access to a given KP. Distinct KPs are fully independent.
package keypkg

import "fmt"

// ResetMode controls what KP.Flush does to every record after a successful
// flush.
type ResetMode int

const (
	// ResetModeReset zeroes every value; enabled-flags are untouched.
	ResetModeReset ResetMode = iota
	// ResetModeDisable clears every enabled-flag; values are untouched.
	ResetModeDisable
	// ResetModeLeave changes nothing. The caller guarantees a full
	// rewrite every tick.
	ResetModeLeave
)

// keyRecord is one row of the KP: a key, its value, its visibility, and its
// per-backend resolved id / per-key backend state.
type keyRecord struct {
	key        string
	value      uint64
	enabled    bool
	backendKey [NumIdentifiers][]byte
	kiState    [NumIdentifiers]any
}

// KP is the Key Package described in spec §3/§4.2.
type KP struct {
	resetMode ResetMode
	backends  []Backend // the backends this KP may flush to, Identifier-ordered.

	keys  []keyRecord
	index map[string]int

	dirty     [NumIdentifiers]bool // true until KPKeyInfoUpdate runs clean for that backend
	kpState   [NumIdentifiers]any  // per-backend, per-KP opaque state from KPInit
	kpBound   [NumIdentifiers]bool // whether KPInit has run for that backend yet
}

// New creates an empty KP bound to backends (typically every enabled
// backend in a Registry at the time the KP is constructed). mode governs
// what Flush does to records after a successful flush.
func New(mode ResetMode, backends []Backend) *KP {
	return &KP{
		resetMode: mode,
		backends:  backends,
		index:     make(map[string]int),
	}
}

// AddKey appends key if it is not already present and returns its stable
// index; if key already exists, the existing index is returned and no new
// record is created. A freshly-added record starts enabled, so it is visible
// to the very next flush without a separate EnableKey call. Returns -1 only
// on genuine allocation failure (a nil KP), never as an encoding of
// "success".
func (kp *KP) AddKey(key string) int {
	if kp == nil {
		return -1
	}
	if i, ok := kp.index[key]; ok {
		return i
	}
	i := len(kp.keys)
	kp.keys = append(kp.keys, keyRecord{key: key, enabled: true})
	kp.index[key] = i
	for id := First; id <= Last; id++ {
		kp.dirty[id] = true
	}
	return i
}

// GetKey returns the index of key, or (-1, false) if it has never been
// added.
func (kp *KP) GetKey(key string) (int, bool) {
	i, ok := kp.index[key]
	if !ok {
		return -1, false
	}
	return i, true
}

// Set stores v at index i. If the KP is in ResetModeDisable, setting a
// value re-enables the record (spec §8 scenario 4).
func (kp *KP) Set(i int, v uint64) {
	kp.keys[i].value = v
	if kp.resetMode == ResetModeDisable {
		kp.keys[i].enabled = true
	}
}

// Value returns the current value at index i.
func (kp *KP) Value(i int) uint64 { return kp.keys[i].value }

// Key returns the key string at index i.
func (kp *KP) Key(i int) string { return kp.keys[i].key }

// EnableKey marks index i visible for the next flush.
func (kp *KP) EnableKey(i int) { kp.keys[i].enabled = true }

// DisableKey marks index i invisible for the next flush.
func (kp *KP) DisableKey(i int) { kp.keys[i].enabled = false }

// Enabled reports whether index i is currently visible.
func (kp *KP) Enabled(i int) bool { return kp.keys[i].enabled }

// Size returns the total number of keys ever added.
func (kp *KP) Size() int { return len(kp.keys) }

// EnabledSize returns the number of currently-visible keys.
func (kp *KP) EnabledSize() int {
	n := 0
	for i := range kp.keys {
		if kp.keys[i].enabled {
			n++
		}
	}
	return n
}

// BackendKey returns the resolved id backend id has stored for key i, or
// nil if it has not been resolved yet.
func (kp *KP) BackendKey(i int, id Identifier) []byte { return kp.keys[i].backendKey[id] }

// SetBackendKey records the resolved id a backend computed for key i.
func (kp *KP) SetBackendKey(i int, id Identifier, resolved []byte) {
	kp.keys[i].backendKey[id] = resolved
}

// KeyInfoState returns the opaque per-key, per-backend state a backend
// attached via SetKeyInfoState.
func (kp *KP) KeyInfoState(i int, id Identifier) any { return kp.keys[i].kiState[id] }

// SetKeyInfoState attaches opaque per-key, per-backend state.
func (kp *KP) SetKeyInfoState(i int, id Identifier, state any) { kp.keys[i].kiState[id] = state }

// UnresolvedIndices returns every key index whose backend-key slot for id
// is still empty. KPKeyInfoUpdate implementations use this to bulk-resolve
// exactly the keys added since the last clean flush.
func (kp *KP) UnresolvedIndices(id Identifier) []int {
	var out []int
	for i := range kp.keys {
		if kp.keys[i].backendKey[id] == nil {
			out = append(out, i)
		}
	}
	return out
}

// BackendState returns the opaque per-KP, per-backend state KPInit
// returned for id. It allocates nothing: KPInit runs lazily inside Flush,
// and until then (or for a backend with no state) the result is nil.
func (kp *KP) BackendState(id Identifier) any { return kp.kpState[id] }

// SetBackendState stores the per-KP, per-backend state a backend's KPInit
// returned.
func (kp *KP) SetBackendState(id Identifier, state any) { kp.kpState[id] = state }

// Flush writes every enabled key to every enabled backend bound to this KP
// at the given timestamp, then applies resetMode. It invokes KPInit lazily
// on first use per backend, KPKeyInfoUpdate once per backend per dirty
// flush, then KPFlush. If any backend's KPFlush fails, Flush continues
// flushing the remaining backends (partial writes are not rolled back) and
// returns a wrapped ErrPartialFlush once the loop completes; the KP remains
// valid and may be retried.
func (kp *KP) Flush(time uint32) error {
	var firstErr error
	for _, b := range kp.backends {
		if b == nil || !b.Enabled() {
			continue
		}
		id := b.Identifier()
		if !kp.kpBound[id] {
			state, err := b.KPInit(kp)
			if err != nil {
				firstErr = kp.recordFlushErr(firstErr, b, "kp_init", err)
				continue
			}
			kp.kpState[id] = state
			kp.kpBound[id] = true
		}
		if kp.dirty[id] {
			if err := b.KPKeyInfoUpdate(kp); err != nil {
				firstErr = kp.recordFlushErr(firstErr, b, "kp_ki_update", err)
				continue
			}
			kp.dirty[id] = false
		}
		if err := b.KPFlush(kp, time); err != nil {
			firstErr = kp.recordFlushErr(firstErr, b, "kp_flush", err)
		}
	}

	if firstErr != nil {
		// A partial failure leaves the KP exactly as it was: the invariant
		// that RESET/DISABLE clears state only holds for a *successful*
		// flush, so a caller can retry without having silently dropped the
		// backend that failed.
		return fmt.Errorf("%w: %v", ErrPartialFlush, firstErr)
	}

	switch kp.resetMode {
	case ResetModeReset:
		for i := range kp.keys {
			kp.keys[i].value = 0
		}
	case ResetModeDisable:
		for i := range kp.keys {
			kp.keys[i].enabled = false
		}
	case ResetModeLeave:
	}
	return nil
}

func (kp *KP) recordFlushErr(firstErr error, b Backend, step string, err error) error {
	wrapped := fmt.Errorf("backend %s %s: %w", b.Name(), step, err)
	if firstErr == nil {
		return wrapped
	}
	return firstErr
}

// Free releases every per-backend KP state and every per-key, per-backend
// ki state, by calling each bound backend's KPFree/KPKeyInfoFree. KP owns
// its key strings and backend state; producers must not retain references
// into it after Free.
func (kp *KP) Free() error {
	var firstErr error
	for _, b := range kp.backends {
		if b == nil {
			continue
		}
		id := b.Identifier()
		for i := range kp.keys {
			if kp.keys[i].kiState[id] == nil {
				continue
			}
			if err := b.KPKeyInfoFree(kp, i, kp.keys[i].kiState[id]); err != nil && firstErr == nil {
				firstErr = err
			}
			kp.keys[i].kiState[id] = nil
		}
		if kp.kpBound[id] {
			if err := b.KPFree(kp, kp.kpState[id]); err != nil && firstErr == nil {
				firstErr = err
			}
			kp.kpBound[id] = false
		}
	}
	kp.keys = nil
	kp.index = make(map[string]int)
	return firstErr
}
