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
	"flag"
	"fmt"
	"io"
	"os"

	"tsk/pkg/keypkg"
)

// ASCIIBackend emits "<key> <value> <time>\n" to stdout, or to a file
// (optionally transparently compressed) when a path is configured. It has
// no batching or retention: every record is flushed as it is written.
type ASCIIBackend struct {
	enabled bool
	path    string
	level   int
	sink    *byteSink
	out     io.Writer // stdout path; nil once a file sink is open
	bulk    *asciiBulkState
}

// NewASCII returns a disabled ASCII backend instance.
func NewASCII() *ASCIIBackend { return &ASCIIBackend{} }

func (b *ASCIIBackend) Identifier() keypkg.Identifier { return keypkg.ASCII }
func (b *ASCIIBackend) Name() string                  { return "ascii" }
func (b *ASCIIBackend) Enabled() bool                  { return b.enabled }

// Init parses "-c <level> -f <path>" (spec §6.3). With no -f, records go to
// stdout.
func (b *ASCIIBackend) Init(args []string) error {
	fs := flag.NewFlagSet("ascii", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	level := fs.Int("c", 0, "compression level (0-9, 0=auto default)")
	path := fs.String("f", "", "output file path")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("backend ascii: parse options: %w", err)
	}

	if *path != "" {
		sink, err := openSink(*path, *level)
		if err != nil {
			return fmt.Errorf("backend ascii: %w", err)
		}
		b.sink = sink
		b.path = *path
		b.level = *level
	} else {
		b.out = os.Stdout
	}
	b.enabled = true
	return nil
}

func (b *ASCIIBackend) Free() error {
	b.enabled = false
	if b.sink != nil {
		err := b.sink.close()
		b.sink = nil
		return err
	}
	return nil
}

func (b *ASCIIBackend) write(key string, value uint64, time uint32) error {
	if b.sink != nil {
		return b.sink.printf("%s %d %d\n", key, value, time)
	}
	_, err := fmt.Fprintf(b.out, "%s %d %d\n", key, value, time)
	return err
}

func (b *ASCIIBackend) SetSingle(key string, value uint64, time uint32) error {
	return b.write(key, value, time)
}

// ResolveKey is the identity mapping: the key string is its own id.
func (b *ASCIIBackend) ResolveKey(key string) ([]byte, error) { return []byte(key), nil }

func (b *ASCIIBackend) ResolveKeyBulk(keys []string) ([][]byte, bool, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, false, nil
}

// SetSingleByID is equivalent to SetSingle((string)(id), ...) since
// ResolveKey is the identity mapping.
func (b *ASCIIBackend) SetSingleByID(id []byte, value uint64, time uint32) error {
	return b.write(string(id), value, time)
}

// asciiBulkState tracks an in-flight SetBulkInit/SetBulkByID batch. The
// ASCII backend has no real bulk path; it behaves as repeated singles (spec
// §4.3) but still auto-ends the batch on the last call, per contract.
type asciiBulkState struct {
	remaining int
	time      uint32
}

func (b *ASCIIBackend) SetBulkInit(keyCount int, time uint32) error {
	b.bulk = &asciiBulkState{remaining: keyCount, time: time}
	return nil
}

func (b *ASCIIBackend) SetBulkByID(id []byte, value uint64) error {
	if b.bulk == nil {
		return fmt.Errorf("backend ascii: SetBulkByID without SetBulkInit")
	}
	if err := b.write(string(id), value, b.bulk.time); err != nil {
		return err
	}
	b.bulk.remaining--
	if b.bulk.remaining <= 0 {
		b.bulk = nil
	}
	return nil
}

func (b *ASCIIBackend) KPInit(kp *keypkg.KP) (any, error)     { return nil, nil }
func (b *ASCIIBackend) KPFree(kp *keypkg.KP, state any) error { return nil }

// KPKeyInfoUpdate resolves any unresolved key with the identity mapping.
func (b *ASCIIBackend) KPKeyInfoUpdate(kp *keypkg.KP) error {
	for _, i := range kp.UnresolvedIndices(keypkg.ASCII) {
		kp.SetBackendKey(i, keypkg.ASCII, []byte(kp.Key(i)))
	}
	return nil
}

func (b *ASCIIBackend) KPKeyInfoFree(kp *keypkg.KP, i int, state any) error { return nil }

// KPFlush writes every enabled key via the single-by-id path, preserving
// insertion order.
func (b *ASCIIBackend) KPFlush(kp *keypkg.KP, time uint32) error {
	n := kp.EnabledSize()
	err := b.kpFlush(kp, time)
	observeFlush(b.Name(), n, err)
	return err
}

func (b *ASCIIBackend) kpFlush(kp *keypkg.KP, time uint32) error {
	for i := 0; i < kp.Size(); i++ {
		if !kp.Enabled(i) {
			continue
		}
		id := kp.BackendKey(i, keypkg.ASCII)
		if id == nil {
			id = []byte(kp.Key(i))
		}
		if err := b.SetSingleByID(id, kp.Value(i), time); err != nil {
			return err
		}
	}
	return nil
}
