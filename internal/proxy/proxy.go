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
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"tsk/pkg/backend"
	"tsk/pkg/keypkg"
	"tsk/pkg/tskcodec"
)

// State is one node of the ingest state machine (spec §4.7).
type State int

const (
	StateInit State = iota
	StateConsuming
	StateFlushing
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConsuming:
		return "CONSUMING"
	case StateFlushing:
		return "FLUSHING"
	case StateDraining:
		return "DRAINING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// eofSinceDataLimit is the number of consecutive empty polls (no message
// arrived) after data was seen that forces a flush, per spec §4.7.
const eofSinceDataLimit = 10

// Proxy drives the ingest state machine: consume TSK messages from a bus
// topic, re-emit their (key, value) pairs into a downstream KP, flush on
// timestamp advance or shutdown, and self-report operational counters
// through a second, dedicated KP.
type Proxy struct {
	cfg *Config
	bus messageBus

	kp      *keypkg.KP
	hasTime bool
	curTime uint32

	statsKP *keypkg.KP
	stats   statKeys

	state State

	shutdown     atomic.Bool
	eofSinceData int
}

// New builds a Proxy bound to cfg: it creates a Kafka reader for the bus
// topic cfg names (no broker is contacted until the first fetch) and enables (or reuses) the named backends from registry for the
// downstream and stats KPs.
func New(cfg *Config, registry *backend.Registry) (*Proxy, error) {
	bus, err := newKafkaBus(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic(), cfg.KafkaConsumerGroup, cfg.KafkaOffset)
	if err != nil {
		return nil, err
	}
	return newWithBus(cfg, registry, bus)
}

// newWithBus is New's body parameterized over the bus connection, so tests
// can substitute an in-memory fake instead of dialing a real broker.
func newWithBus(cfg *Config, registry *backend.Registry, bus messageBus) (*Proxy, error) {
	tsBackend := registry.GetByName(cfg.TimeseriesBackend)
	if tsBackend == nil {
		return nil, fmt.Errorf("%w: unknown timeseries-backend %q", ErrConfig, cfg.TimeseriesBackend)
	}
	if !tsBackend.Enabled() {
		if err := registry.Enable(tsBackend.Identifier(), cfg.TimeseriesDbatsOpts); err != nil {
			return nil, fmt.Errorf("%w: enabling timeseries-backend %q: %v", ErrConfig, cfg.TimeseriesBackend, err)
		}
	}

	p := &Proxy{
		cfg:   cfg,
		bus:   bus,
		kp:    keypkg.New(keypkg.ResetModeDisable, []keypkg.Backend{tsBackend}),
		state: StateInit,
	}

	if cfg.StatsEnabled() {
		statsBackend := registry.GetByName(cfg.StatsTSBackend)
		if statsBackend == nil {
			return nil, fmt.Errorf("%w: unknown stats-ts-backend %q", ErrConfig, cfg.StatsTSBackend)
		}
		if !statsBackend.Enabled() {
			if err := registry.Enable(statsBackend.Identifier(), cfg.StatsTSOpts); err != nil {
				return nil, fmt.Errorf("%w: enabling stats-ts-backend %q: %v", ErrConfig, cfg.StatsTSBackend, err)
			}
		}
		p.statsKP = keypkg.New(keypkg.ResetModeReset, []keypkg.Backend{statsBackend})
		p.stats = newStatKeys(p.statsKP, cfg.StatPrefix())
	}

	p.state = StateConsuming
	return p, nil
}

// RequestShutdown marks the proxy for graceful shutdown: the next loop
// iteration force-flushes the KP regardless of timestamp stability, then
// exits. Safe to call from a signal handler. A third call is the caller's
// responsibility to treat as a hard exit (spec §4.7: "Any state → DONE on
// third SIGINT (hard exit)") — this method only ever arms the cooperative
// path, since a truly immediate exit bypasses the run loop entirely.
func (p *Proxy) RequestShutdown() { p.shutdown.Store(true) }

// State returns the proxy's current state-machine node.
func (p *Proxy) State() State { return p.state }

// Run drives the consume→decode→filter→accumulate→flush loop until
// shutdown is requested or ctx is cancelled. statsTicker may be nil when no
// stats backend is configured.
func (p *Proxy) Run(ctx context.Context) error {
	var statsTicker *time.Ticker
	if p.statsKP != nil {
		statsTicker = time.NewTicker(time.Duration(p.cfg.StatsInterval) * time.Second)
		defer statsTicker.Stop()
	}

	for {
		if p.shutdown.Load() {
			p.state = StateDraining
			if err := p.forceFlush(); err != nil {
				log.Printf("[proxy] force-flush on shutdown: %v", err)
			}
			p.state = StateDone
			return nil
		}
		if ctx.Err() != nil {
			p.state = StateDraining
			_ = p.forceFlush()
			p.state = StateDone
			return ctx.Err()
		}

		if statsTicker != nil {
			select {
			case <-statsTicker.C:
				p.state = StateFlushing
				if err := p.flushStats(uint32(time.Now().Unix())); err != nil {
					log.Printf("[proxy] stats flush: %v", err)
				}
				p.state = StateConsuming
			default:
			}
		}

		entry, ok, err := p.bus.fetch(ctx)
		if err != nil {
			return fmt.Errorf("proxy: consume: %w", err)
		}
		if !ok {
			if p.hasTime {
				p.eofSinceData++
				if p.eofSinceData >= eofSinceDataLimit {
					p.state = StateFlushing
					if err := p.flushCurrent(); err != nil {
						log.Printf("[proxy] eof-triggered flush: %v", err)
					}
					p.state = StateConsuming
					p.eofSinceData = 0
				}
			}
			continue
		}
		p.eofSinceData = 0

		if err := p.handleMessage(entry.Value); err != nil {
			log.Printf("[proxy] %v", err)
		}
	}
}

// handleMessage implements spec §4.7's per-message processing.
func (p *Proxy) handleMessage(raw []byte) error {
	if p.statsKP != nil {
		p.stats.recordMessage(p.statsKP, len(raw))
	}

	if len(raw) < tskcodec.HeaderFixedLen {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrParse, len(raw), tskcodec.HeaderFixedLen)
	}
	msg, _, err := tskcodec.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if !channelMatches(msg.Channel, p.cfg.KafkaChannel) {
		return fmt.Errorf("%w: got %q, want %q", ErrChannelMismatch, msg.Channel, p.cfg.KafkaChannel)
	}

	if p.hasTime && msg.Time != p.curTime {
		p.state = StateFlushing
		if err := p.flushCurrent(); err != nil {
			log.Printf("[proxy] timestamp-advance flush: %v", err)
		}
		p.state = StateConsuming
	}
	p.curTime = msg.Time
	p.hasTime = true

	for _, tup := range msg.Tuples {
		if !p.cfg.MatchesFilter(tup.Key) {
			continue
		}
		idx, found := p.kp.GetKey(tup.Key)
		if !found {
			idx = p.kp.AddKey(tup.Key)
		} else {
			p.kp.EnableKey(idx)
		}
		p.kp.Set(idx, tup.Value)
	}
	return nil
}

// channelMatches compares up to the shorter of the two lengths (spec §4.7
// step 3's "bcmp to the shorter of the two lengths") and additionally
// requires both lengths to be equal, so only an exact match succeeds.
func channelMatches(got, want string) bool {
	n := len(got)
	if len(want) < n {
		n = len(want)
	}
	return got[:n] == want[:n] && len(got) == len(want)
}

// flushCurrent flushes the downstream KP at the current timestamp. A flush
// with no enabled keys is a legitimate no-op (spec §4.7: "may be a no-op if
// empty").
func (p *Proxy) flushCurrent() error {
	if p.kp.EnabledSize() == 0 {
		return nil
	}
	n := p.kp.EnabledSize()
	err := p.kp.Flush(p.curTime)
	if p.statsKP != nil {
		p.stats.recordFlush(p.statsKP, n)
	}
	return err
}

// forceFlush flushes the downstream KP unconditionally (spec §4.7 shutdown:
// "the next iteration force-flushes the KP regardless of timestamp
// stability").
func (p *Proxy) forceFlush() error {
	n := p.kp.EnabledSize()
	err := p.kp.Flush(p.curTime)
	if p.statsKP != nil {
		p.stats.recordFlush(p.statsKP, n)
	}
	if p.statsKP != nil {
		if serr := p.flushStats(uint32(time.Now().Unix())); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func (p *Proxy) flushStats(t uint32) error {
	return p.statsKP.Flush(t)
}

// Close releases the proxy's KPs and bus connection.
func (p *Proxy) Close() error {
	var firstErr error
	if err := p.kp.Free(); err != nil && firstErr == nil {
		firstErr = err
	}
	if p.statsKP != nil {
		if err := p.statsKP.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.bus.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
