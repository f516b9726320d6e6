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

package backend

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"sync"

	"tsk/pkg/keypkg"
)

// DbatsBackend stands in for the DBATS (aggregated time-series) storage
// engine. Spec §4.5 treats DBATS as an opaque external collaborator
// ("internals out of scope"); this type only needs to honor the contract a
// real DBATS client would: bulk-resolve strings to fixed-width ids in one
// contiguous allocation, then prefer the bulk-by-id write path. There is no
// real DBATS C client to wire from Go, so this is an in-process resolver and
// value store rather than a fabricated "DBATS Go client" package.
type DbatsBackend struct {
	mu      sync.Mutex
	enabled bool
	path    string

	nextID uint32
	ids    map[string]uint32
	values map[uint32]uint64

	bulk *dbatsBulkState
}

type dbatsBulkState struct {
	remaining int
	time      uint32
}

// NewDbats returns a disabled DBATS backend instance.
func NewDbats() *DbatsBackend {
	return &DbatsBackend{ids: make(map[string]uint32), values: make(map[uint32]uint64)}
}

func (b *DbatsBackend) Identifier() keypkg.Identifier { return keypkg.Dbats }
func (b *DbatsBackend) Name() string                  { return "dbats" }
func (b *DbatsBackend) Enabled() bool                 { return b.enabled }

// Init parses "-p <path>", the DBATS database directory path, per the
// options grammar each backend defines for itself (spec §6.3).
func (b *DbatsBackend) Init(args []string) error {
	fs := flag.NewFlagSet("dbats", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("p", "", "dbats database path")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("backend dbats: parse options: %w", err)
	}
	b.path = *path
	b.enabled = true
	return nil
}

func (b *DbatsBackend) Free() error {
	b.enabled = false
	b.ids = make(map[string]uint32)
	b.values = make(map[uint32]uint64)
	return nil
}

func (b *DbatsBackend) resolve(key string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[key]
	if !ok {
		b.nextID++
		id = b.nextID
		b.ids[key] = id
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

func (b *DbatsBackend) SetSingle(key string, value uint64, time uint32) error {
	id := b.resolve(key)
	return b.SetSingleByID(id, value, time)
}

func (b *DbatsBackend) ResolveKey(key string) ([]byte, error) { return b.resolve(key), nil }

// ResolveKeyBulk resolves every key into one contiguous 4-byte-per-id
// allocation, as a real DBATS bulk resolve would (contiguous=true).
func (b *DbatsBackend) ResolveKeyBulk(keys []string) ([][]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	block := make([]byte, 4*len(keys))
	out := make([][]byte, len(keys))
	for i, k := range keys {
		id, ok := b.ids[k]
		if !ok {
			b.nextID++
			id = b.nextID
			b.ids[k] = id
		}
		slot := block[i*4 : i*4+4]
		binary.BigEndian.PutUint32(slot, id)
		out[i] = slot
	}
	return out, true, nil
}

func (b *DbatsBackend) SetSingleByID(id []byte, value uint64, time uint32) error {
	if len(id) != 4 {
		return fmt.Errorf("%w: dbats id must be 4 bytes, got %d", keypkg.ErrResolve, len(id))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[binary.BigEndian.Uint32(id)] = value
	return nil
}

func (b *DbatsBackend) SetBulkInit(keyCount int, time uint32) error {
	b.bulk = &dbatsBulkState{remaining: keyCount, time: time}
	return nil
}

func (b *DbatsBackend) SetBulkByID(id []byte, value uint64) error {
	if b.bulk == nil {
		return fmt.Errorf("backend dbats: SetBulkByID without SetBulkInit")
	}
	if err := b.SetSingleByID(id, value, b.bulk.time); err != nil {
		return err
	}
	b.bulk.remaining--
	if b.bulk.remaining <= 0 {
		b.bulk = nil
	}
	return nil
}

func (b *DbatsBackend) KPInit(kp *keypkg.KP) (any, error)     { return nil, nil }
func (b *DbatsBackend) KPFree(kp *keypkg.KP, state any) error { return nil }

// KPKeyInfoUpdate is where DBATS earns its place in the lazy-resolution
// contract (spec §9): it bulk-resolves every key added since the last clean
// flush in one call, rather than resolving one key at a time.
func (b *DbatsBackend) KPKeyInfoUpdate(kp *keypkg.KP) error {
	unresolved := kp.UnresolvedIndices(keypkg.Dbats)
	if len(unresolved) == 0 {
		return nil
	}
	keys := make([]string, len(unresolved))
	for j, i := range unresolved {
		keys[j] = kp.Key(i)
	}
	ids, _, err := b.ResolveKeyBulk(keys)
	if err != nil {
		return fmt.Errorf("backend dbats: bulk resolve: %w", err)
	}
	for j, i := range unresolved {
		kp.SetBackendKey(i, keypkg.Dbats, ids[j])
	}
	return nil
}

func (b *DbatsBackend) KPKeyInfoFree(kp *keypkg.KP, i int, state any) error { return nil }

// KPFlush prefers the bulk-by-id write path, as a real DBATS client would.
func (b *DbatsBackend) KPFlush(kp *keypkg.KP, time uint32) error {
	n := kp.EnabledSize()
	err := b.kpFlush(kp, time, n)
	observeFlush(b.Name(), n, err)
	return err
}

func (b *DbatsBackend) kpFlush(kp *keypkg.KP, time uint32, n int) error {
	if n == 0 {
		return nil
	}
	if err := b.SetBulkInit(n, time); err != nil {
		return fmt.Errorf("backend dbats: bulk init: %w", err)
	}
	for i := 0; i < kp.Size(); i++ {
		if !kp.Enabled(i) {
			continue
		}
		id := kp.BackendKey(i, keypkg.Dbats)
		if id == nil {
			return fmt.Errorf("%w: key %q unresolved at flush time", keypkg.ErrResolve, kp.Key(i))
		}
		if err := b.SetBulkByID(id, kp.Value(i)); err != nil {
			return fmt.Errorf("backend dbats: bulk write: %w", err)
		}
	}
	return nil
}
