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

// tsk-demo exercises the backend/KP library directly, without a bus: it
// enables one backend from flags, synthesizes a fixed key set, and drives
// a few flush cycles against a monotonically advancing clock. Useful for
// validating a backend's options string and watching its output land.
//
// Usage:
//
//	tsk-demo -backend ascii -opts "-f out.txt" -keys 10 -ticks 5
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"tsk/pkg/backend"
	"tsk/pkg/keypkg"
)

func main() {
	name := flag.String("backend", "ascii", "backend to drive (ascii, kafka, dbats, redis)")
	opts := flag.String("opts", "", "backend options string, as passed to enable()")
	keyCount := flag.Int("keys", 10, "distinct keys to synthesize")
	ticks := flag.Int("ticks", 5, "number of flush cycles to run")
	interval := flag.Duration("interval", time.Second, "wall-clock pause between ticks")
	startTime := flag.Uint64("time", uint64(time.Now().Unix()), "starting timestamp for the first tick")
	flag.Parse()

	registry := backend.NewRegistry()
	b := registry.GetByName(*name)
	if b == nil {
		log.Fatalf("tsk-demo: no such backend %q", *name)
	}
	if err := registry.Enable(b.Identifier(), *opts); err != nil {
		log.Fatalf("tsk-demo: enable %s: %v", *name, err)
	}
	defer func() {
		if err := registry.FreeAll(); err != nil {
			log.Printf("tsk-demo: cleanup: %v", err)
		}
	}()

	kp := keypkg.New(keypkg.ResetModeLeave, []keypkg.Backend{b})
	defer func() {
		if err := kp.Free(); err != nil {
			log.Printf("tsk-demo: kp free: %v", err)
		}
	}()

	indices := make([]int, *keyCount)
	for i := range indices {
		indices[i] = kp.AddKey(fmt.Sprintf("demo.key.%d", i))
	}

	rng := rand.New(rand.NewSource(int64(*startTime)))
	t := uint32(*startTime)
	for tick := 0; tick < *ticks; tick++ {
		for _, idx := range indices {
			kp.Set(idx, uint64(rng.Int63n(1000)))
		}
		if err := kp.Flush(t); err != nil {
			log.Printf("tsk-demo: flush at t=%d: %v", t, err)
		} else {
			fmt.Fprintf(os.Stdout, "tsk-demo: flushed %d keys at t=%d\n", kp.EnabledSize(), t)
		}
		t += 60
		if tick < *ticks-1 {
			time.Sleep(*interval)
		}
	}
}
