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
	"testing"

	"tsk/pkg/keypkg"
)

func TestDbatsResolveBulkIsContiguous(t *testing.T) {
	b := NewDbats()
	b.enabled = true
	ids, contiguous, err := b.ResolveKeyBulk([]string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("ResolveKeyBulk: %v", err)
	}
	if !contiguous {
		t.Fatal("dbats bulk resolution must report contiguous=true")
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}
	for i, id := range ids {
		if len(id) != 4 {
			t.Fatalf("id %d has length %d, want 4", i, len(id))
		}
	}
}

func TestDbatsResolveBulkStableAcrossCalls(t *testing.T) {
	b := NewDbats()
	b.enabled = true
	first, _, _ := b.ResolveKeyBulk([]string{"x"})
	second, _, _ := b.ResolveKeyBulk([]string{"x"})
	if string(first[0]) != string(second[0]) {
		t.Fatalf("resolved id for the same key changed: %v vs %v", first[0], second[0])
	}
}

func TestDbatsKPFlushUsesBulkPath(t *testing.T) {
	b := NewDbats()
	b.enabled = true
	kp := keypkg.New(keypkg.ResetModeLeave, []keypkg.Backend{b})
	i := kp.AddKey("metric")
	kp.Set(i, 99)

	if err := kp.Flush(10); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	id := kp.BackendKey(i, keypkg.Dbats)
	if id == nil {
		t.Fatal("key should have been resolved by KPKeyInfoUpdate")
	}

	b.mu.Lock()
	got := b.values[uint32(id[0])<<24|uint32(id[1])<<16|uint32(id[2])<<8|uint32(id[3])]
	b.mu.Unlock()
	if got != 99 {
		t.Fatalf("stored value = %d, want 99", got)
	}
}

func TestDbatsSetSingleByIDRejectsWrongLength(t *testing.T) {
	b := NewDbats()
	if err := b.SetSingleByID([]byte{1, 2, 3}, 0, 0); err == nil {
		t.Fatal("expected an error for a non-4-byte id")
	}
}

func TestDbatsFlushNoopWhenNothingEnabled(t *testing.T) {
	b := NewDbats()
	b.enabled = true
	kp := keypkg.New(keypkg.ResetModeLeave, []keypkg.Backend{b})
	if err := kp.Flush(1); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
