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

package proxy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tsk/pkg/backend"
	"tsk/pkg/tskcodec"
)

// fakeBus is an in-memory messageBus: fetch drains entries one at a time,
// then reports (zero, false, nil) ("nothing this poll") forever after, so
// Run's EOF-triggered flush path can be exercised without a live broker.
type fakeBus struct {
	mu      sync.Mutex
	entries [][]byte
	closed  bool
}

func (b *fakeBus) fetch(ctx context.Context) (messageBusEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		time.Sleep(time.Millisecond)
		return messageBusEntry{}, false, nil
	}
	v := b.entries[0]
	b.entries = b.entries[1:]
	return messageBusEntry{Value: v}, true, nil
}

func (b *fakeBus) close() error {
	b.closed = true
	return nil
}

func encodeMsg(t *testing.T, time uint32, channel string, tuples []tskcodec.Tuple) []byte {
	t.Helper()
	buf := make([]byte, tskcodec.EncodedLen(channel, tuples))
	n, err := tskcodec.Encode(buf, time, channel, tuples)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf[:n]
}

func newTestProxy(t *testing.T, bus messageBus) (*Proxy, string) {
	t.Helper()
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")

	reg := backend.NewRegistry()
	cfg := &Config{
		TimeseriesBackend: "ascii",
		KafkaChannel:      "app1",
		StatsInterval:     defaultStatsInterval,
	}
	if err := reg.Enable(reg.GetByName("ascii").Identifier(), "-f "+outPath); err != nil {
		t.Fatalf("Enable ascii: %v", err)
	}
	p, err := newWithBus(cfg, reg, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, outPath
}

func TestNewTransitionsToConsuming(t *testing.T) {
	p, _ := newTestProxy(t, &fakeBus{})
	if p.State() != StateConsuming {
		t.Fatalf("State() = %v, want CONSUMING", p.State())
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	reg := backend.NewRegistry()
	cfg := &Config{TimeseriesBackend: "nonexistent", KafkaChannel: "app1"}
	if _, err := newWithBus(cfg, reg, &fakeBus{}); err == nil {
		t.Fatal("expected an error for an unknown timeseries-backend")
	} else if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want wrapped ErrConfig", err)
	}
}

func TestHandleMessageAccumulatesAndFlushesOnTimestampAdvance(t *testing.T) {
	p, outPath := newTestProxy(t, &fakeBus{})
	defer p.Close()

	msg1 := encodeMsg(t, 100, "app1", []tskcodec.Tuple{{Key: "a", Value: 1}, {Key: "b", Value: 2}})
	if err := p.handleMessage(msg1); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if p.kp.EnabledSize() != 2 {
		t.Fatalf("EnabledSize() = %d, want 2", p.kp.EnabledSize())
	}

	msg2 := encodeMsg(t, 200, "app1", []tskcodec.Tuple{{Key: "a", Value: 3}})
	if err := p.handleMessage(msg2); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "a 1 100") || !strings.Contains(out, "b 2 100") {
		t.Fatalf("expected the time-100 batch flushed before the advance, got %q", out)
	}
	if strings.Contains(out, "a 3 200") {
		t.Fatal("time-200 record should not have flushed yet")
	}
	if p.curTime != 200 {
		t.Fatalf("curTime = %d, want 200", p.curTime)
	}
}

func TestHandleMessageRejectsShortBuffer(t *testing.T) {
	p, _ := newTestProxy(t, &fakeBus{})
	defer p.Close()
	if err := p.handleMessage([]byte{1, 2, 3}); !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
}

func TestHandleMessageRejectsChannelMismatch(t *testing.T) {
	p, _ := newTestProxy(t, &fakeBus{})
	defer p.Close()
	msg := encodeMsg(t, 100, "other", []tskcodec.Tuple{{Key: "a", Value: 1}})
	if err := p.handleMessage(msg); !errors.Is(err, ErrChannelMismatch) {
		t.Fatalf("err = %v, want ErrChannelMismatch", err)
	}
}

func TestChannelMatchesRequiresExactLength(t *testing.T) {
	if channelMatches("ch1", "ch10") {
		t.Fatal("ch1 must not match ch10 as a prefix")
	}
	if !channelMatches("ch1", "ch1") {
		t.Fatal("ch1 must match itself")
	}
}

func TestHandleMessageFiltersKeysByPrefix(t *testing.T) {
	p, outPath := newTestProxy(t, &fakeBus{})
	defer p.Close()
	p.cfg.FilterPrefix = []string{"keep."}

	msg1 := encodeMsg(t, 100, "app1", []tskcodec.Tuple{
		{Key: "keep.a", Value: 1},
		{Key: "drop.b", Value: 2},
	})
	if err := p.handleMessage(msg1); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	msg2 := encodeMsg(t, 200, "app1", nil)
	if err := p.handleMessage(msg2); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	data, _ := os.ReadFile(outPath)
	out := string(data)
	if !strings.Contains(out, "keep.a 1 100") {
		t.Fatalf("expected keep.a to be written, got %q", out)
	}
	if strings.Contains(out, "drop.b") {
		t.Fatalf("drop.b should have been filtered out, got %q", out)
	}
}

func TestRunReturnsNilAndDoneOnShutdown(t *testing.T) {
	bus := &fakeBus{entries: [][]byte{
		encodeMsg(t, 100, "app1", []tskcodec.Tuple{{Key: "a", Value: 1}}),
	}}
	p, outPath := newTestProxy(t, bus)
	defer p.Close()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for {
		data, _ := os.ReadFile(outPath)
		if strings.Contains(string(data), "a 1 100") {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the record to be consumed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.RequestShutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on graceful shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after RequestShutdown")
	}
	if p.State() != StateDone {
		t.Fatalf("State() = %v, want DONE", p.State())
	}
}

func TestStatsFlushWritesRecords(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")

	reg := backend.NewRegistry()
	if err := reg.Enable(reg.GetByName("ascii").Identifier(), "-f "+outPath); err != nil {
		t.Fatalf("Enable ascii: %v", err)
	}
	cfg := &Config{
		TimeseriesBackend:  "ascii",
		KafkaChannel:       "app1",
		KafkaConsumerGroup: "g",
		KafkaTopicPrefix:   "p",
		StatsInterval:      defaultStatsInterval,
		StatsTSBackend:     "ascii",
	}

	p, err := newWithBus(cfg, reg, &fakeBus{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if p.statsKP == nil {
		t.Fatal("statsKP must be set when StatsTSBackend is configured")
	}

	msg := encodeMsg(t, 100, "app1", []tskcodec.Tuple{{Key: "a", Value: 1}})
	if err := p.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if err := p.flushStats(100); err != nil {
		t.Fatalf("flushStats: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, ".messages_cnt 1 100") {
		t.Fatalf("expected messages_cnt to have been written by flushStats, got %q", out)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	p, _ := newTestProxy(t, &fakeBus{})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
