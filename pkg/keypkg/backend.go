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

package keypkg

// Backend is the polymorphic write-destination contract every backend
// (ASCII, Kafka/TSK, DBATS, Redis, ...) implements. The Registry in
// pkg/backend builds one instance per Identifier and owns its lifecycle;
// a KP calls into whichever backends it was constructed against.
//
// Backends start disabled. Init is called once by Enable after the
// options string has been tokenized; a failed Init must fully revert any
// partial allocation and leave Enabled() false.
type Backend interface {
	Identifier() Identifier
	Name() string
	Enabled() bool

	// Init parses backend-specific flags (already tokenized) and opens
	// resources. Idempotent failure: any error fully reverts and leaves
	// the backend disabled.
	Init(args []string) error
	// Free releases all resources. Safe to call on a never-initialised
	// instance.
	Free() error

	// SetSingle is an immediate single write, bypassing any KP.
	SetSingle(key string, value uint64, time uint32) error

	// ResolveKey translates a string key into a backend-private id. May be
	// a no-op that returns the key's own bytes (e.g. ASCII).
	ResolveKey(key string) ([]byte, error)
	// ResolveKeyBulk resolves many keys at once. contiguous reports
	// whether the returned byte slices share one backing allocation (and
	// so can be freed as a single block) or were allocated independently.
	ResolveKeyBulk(keys []string) (ids [][]byte, contiguous bool, err error)

	// SetSingleByID writes using a pre-resolved id. Returns
	// ErrNotImplemented if the backend has no id-based write path.
	SetSingleByID(id []byte, value uint64, time uint32) error
	// SetBulkInit begins a batch of exactly keyCount subsequent
	// SetBulkByID calls; the backend auto-ends the batch on the last one.
	SetBulkInit(keyCount int, time uint32) error
	SetBulkByID(id []byte, value uint64) error

	// KPInit allocates per-KP, per-backend state the first time a KP is
	// bound to this backend. The returned state is opaque to the KP and is
	// handed back unchanged on every later call for this (kp, backend)
	// pair.
	KPInit(kp *KP) (state any, err error)
	// KPFree releases the state KPInit returned.
	KPFree(kp *KP, state any) error

	// KPKeyInfoUpdate is invoked once per flush, only when the KP is dirty
	// for this backend (new keys were added since the last clean flush for
	// it). Implementations that need per-key resolution (DBATS) resolve
	// every unresolved key here, in bulk, via kp.UnresolvedIndices and
	// kp.SetBackendKey.
	KPKeyInfoUpdate(kp *KP) error
	// KPKeyInfoFree releases any per-key state (ki state) the backend
	// attached to key i.
	KPKeyInfoFree(kp *KP, i int, state any) error

	// KPFlush emits every enabled key in kp at time, choosing between the
	// single-by-id and bulk-by-id write paths.
	KPFlush(kp *KP, time uint32) error
}
