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

// Package backend provides the concrete write destinations (ASCII, Kafka/TSK,
// DBATS, Redis) and the fixed-size registry that holds exactly one instance
// of each, dispatched by identifier or by case-insensitive name.
package backend

import (
	"fmt"
	"strings"

	"github.com/google/shlex"

	"tsk/pkg/keypkg"
)

// maxEnableTokens bounds the number of tokens Enable will accept from an
// options string, per spec §4.1.
const maxEnableTokens = 1024

// Registry is a fixed-size table of backends indexed by keypkg.Identifier.
// There is exactly one instance per identifier per process; backends are
// allocated during NewRegistry and configured at most once via Enable.
type Registry struct {
	slots [keypkg.NumIdentifiers]keypkg.Backend
}

// NewRegistry allocates one (disabled) backend instance per identifier.
func NewRegistry() *Registry {
	r := &Registry{}
	r.slots[keypkg.ASCII] = NewASCII()
	r.slots[keypkg.Kafka] = NewKafka()
	r.slots[keypkg.Dbats] = NewDbats()
	r.slots[keypkg.Redis] = NewRedis()
	return r
}

// Get returns the backend instance for id.
func (r *Registry) Get(id keypkg.Identifier) keypkg.Backend {
	if id < keypkg.First || id > keypkg.Last {
		return nil
	}
	return r.slots[id]
}

// GetByName returns the backend whose Name() matches name case-insensitively.
func (r *Registry) GetByName(name string) keypkg.Backend {
	for id := keypkg.First; id <= keypkg.Last; id++ {
		if b := r.slots[id]; b != nil && strings.EqualFold(b.Name(), name) {
			return b
		}
	}
	return nil
}

// Enable tokenizes options (POSIX-shell-like, respecting quotes, capped at
// maxEnableTokens tokens) and calls Init on the backend identified by id.
func (r *Registry) Enable(id keypkg.Identifier, options string) error {
	b := r.Get(id)
	if b == nil {
		return fmt.Errorf("backend: no such identifier %v", id)
	}
	tokens, err := shlex.Split(options)
	if err != nil {
		return fmt.Errorf("backend: tokenizing options for %s: %w", b.Name(), err)
	}
	if len(tokens) > maxEnableTokens {
		return fmt.Errorf("backend: %s options produced %d tokens, exceeds cap of %d", b.Name(), len(tokens), maxEnableTokens)
	}
	return b.Init(tokens)
}

// Enabled returns every currently-enabled backend, in First..Last order,
// skipping null or disabled slots. This is the slice KPs are constructed
// with so that KP.Flush walks exactly this set (spec §4.1's "every internal
// loop over backends iterates identifiers FIRST..LAST and skips null or
// disabled slots").
func (r *Registry) Enabled() []keypkg.Backend {
	var out []keypkg.Backend
	for id := keypkg.First; id <= keypkg.Last; id++ {
		if b := r.slots[id]; b != nil && b.Enabled() {
			out = append(out, b)
		}
	}
	return out
}

// All returns every backend slot, including disabled ones, in First..Last
// order. Useful for constructing a KP that should pick up backends enabled
// after the KP was created.
func (r *Registry) All() []keypkg.Backend {
	out := make([]keypkg.Backend, 0, keypkg.NumIdentifiers)
	for id := keypkg.First; id <= keypkg.Last; id++ {
		if b := r.slots[id]; b != nil {
			out = append(out, b)
		}
	}
	return out
}

// FreeAll calls Free on every backend, in First..Last order, collecting the
// first error encountered (if any) but always attempting every backend.
func (r *Registry) FreeAll() error {
	var firstErr error
	for id := keypkg.First; id <= keypkg.Last; id++ {
		b := r.slots[id]
		if b == nil {
			continue
		}
		if err := b.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
