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
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"tsk/pkg/keypkg"
	"tsk/pkg/tskcodec"
)

// kafkaConnState is the producer-side connection state machine (spec §4.4).
type kafkaConnState int

const (
	kafkaDisconnected kafkaConnState = iota
	kafkaConnecting
	kafkaConnected
	kafkaFatal
)

// outputFormat selects how records are serialized onto the topic.
type outputFormat int

const (
	formatASCII outputFormat = iota
	formatTSK
)

const (
	kafkaScratchSize     = 1 << 20 // 1 MiB nominal batching buffer
	kafkaMaxConnectTries = 8
	kafkaBaseBackoff     = 10 * time.Second
	kafkaMaxBackoff      = 180 * time.Second
	kafkaQueueFullPoll   = 1 * time.Second
	kafkaDrainWaits      = 12
	kafkaDrainWait       = 5 * time.Second
)

// KafkaBackend publishes records to a named bus topic, either as ASCII lines
// (round-robin partitioned) or as time-partitioned TSK frames (spec §4.4).
// The full topic name is "<prefix>.<channel>".
type KafkaBackend struct {
	enabled bool

	brokers []string
	prefix  string
	channel string
	format  outputFormat
	parts   int // partition count for TSK mode; must not divide evenly into 60
	timeout time.Duration

	writer *kafka.Writer
	state  kafkaConnState
	fatal  error
}

// NewKafka returns a disabled Kafka/TSK backend instance.
func NewKafka() *KafkaBackend { return &KafkaBackend{state: kafkaDisconnected} }

func (b *KafkaBackend) Identifier() keypkg.Identifier { return keypkg.Kafka }
func (b *KafkaBackend) Name() string                  { return "kafka" }
func (b *KafkaBackend) Enabled() bool                 { return b.enabled }

// Init parses "-b <brokers,csv> -prefix <topic-prefix> -c <channel> -format
// <ascii|tsk> -partitions <n> -timeout <seconds>" and connects eagerly so
// that a bad broker or a partition count that evenly divides 60 is caught at
// enable time rather than on first flush.
func (b *KafkaBackend) Init(args []string) error {
	fs := flag.NewFlagSet("kafka", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	brokers := fs.String("b", "", "comma-separated broker list")
	prefix := fs.String("prefix", "", "topic prefix")
	channel := fs.String("c", "", "channel name (topic suffix)")
	format := fs.String("format", "ascii", "output format: ascii|tsk")
	partitions := fs.Int("partitions", 1, "partition count (tsk format only)")
	timeoutSec := fs.Int("timeout", 10, "write timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("backend kafka: parse options: %w", err)
	}
	if *brokers == "" || *prefix == "" || *channel == "" {
		return fmt.Errorf("backend kafka: -b, -prefix and -c are required")
	}
	if len(*channel) > 1024 {
		return fmt.Errorf("backend kafka: channel name exceeds 1024 bytes")
	}

	switch strings.ToLower(*format) {
	case "ascii":
		b.format = formatASCII
	case "tsk":
		b.format = formatTSK
		if *partitions <= 0 || 60%(*partitions) == 0 {
			// Partition counts that divide 60 evenly (and non-positive
			// counts) are refused here, at enable time.
			return fmt.Errorf("backend kafka: partition count %d must not divide evenly into 60", *partitions)
		}
	default:
		return fmt.Errorf("backend kafka: unsupported format %q", *format)
	}

	b.brokers = strings.Split(*brokers, ",")
	b.prefix = *prefix
	b.channel = *channel
	b.parts = *partitions
	b.timeout = time.Duration(*timeoutSec) * time.Second

	if err := b.connect(); err != nil {
		b.enabled = false
		return err
	}
	b.enabled = true
	return nil
}

func (b *KafkaBackend) topic() string { return b.prefix + "." + b.channel }

// connect drives DISCONNECTED→CONNECTING→CONNECTED with exponential
// back-off, up to kafkaMaxConnectTries attempts, per spec §4.4. A bad
// partition count is caught in Init (it is a pure config assertion); here
// the only fatal case is an unresolvable broker set.
func (b *KafkaBackend) connect() error {
	b.state = kafkaConnecting
	observeConnectState(b.Name(), b.state)
	backoff := kafkaBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= kafkaMaxConnectTries; attempt++ {
		observeConnectAttempt(b.Name())
		w := &kafka.Writer{
			Addr:         kafka.TCP(b.brokers...),
			Topic:        b.topic(),
			Balancer:     b.balancer(),
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: b.timeout,
			Async:        false,
		}
		// kafka.Writer connects lazily on first write; a lightweight dial
		// against the first broker is enough to distinguish "broker
		// unresolvable" (fatal) from "broker up but topic not ready yet"
		// (recoverable, retried by the caller's own next flush).
		conn, err := kafka.DialContext(context.Background(), "tcp", b.brokers[0])
		if err == nil {
			conn.Close()
			b.writer = w
			b.state = kafkaConnected
			observeConnectState(b.Name(), b.state)
			return nil
		}
		lastErr = err
		if attempt == kafkaMaxConnectTries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > kafkaMaxBackoff {
			backoff = kafkaMaxBackoff
		}
	}
	b.state = kafkaFatal
	observeConnectState(b.Name(), b.state)
	b.fatal = fmt.Errorf("backend kafka: broker %v unresolvable after %d attempts: %w", b.brokers, kafkaMaxConnectTries, lastErr)
	return b.fatal
}

func (b *KafkaBackend) balancer() kafka.Balancer {
	if b.format == formatTSK {
		return &kafkaTimeBalancer{parts: b.parts}
	}
	return &kafka.RoundRobin{}
}

// kafkaTimeBalancer assigns partition (time/60) mod parts, read off the
// message key, which callers set to the big-endian minute bucket.
type kafkaTimeBalancer struct{ parts int }

func (tb *kafkaTimeBalancer) Balance(msg kafka.Message, partitions ...int) int {
	minute := int(binaryBigEndianUint32(msg.Key))
	idx := minute % tb.parts
	for _, p := range partitions {
		if p == idx%len(partitions) {
			return p
		}
	}
	return partitions[idx%len(partitions)]
}

func binaryBigEndianUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (b *KafkaBackend) Free() error {
	b.enabled = false
	if b.writer == nil {
		return nil
	}
	// Best-effort bounded drain: kafka-go's Writer.Close already flushes
	// synchronously, so the waits below only matter if Close itself blocks
	// past the drain budget (e.g. a stalled broker).
	done := make(chan error, 1)
	go func() { done <- b.writer.Close() }()
	for i := 0; i < kafkaDrainWaits; i++ {
		select {
		case err := <-done:
			b.writer = nil
			return err
		case <-time.After(kafkaDrainWait):
		}
	}
	b.writer = nil
	return fmt.Errorf("backend kafka: producer did not drain within %d waits", kafkaDrainWaits)
}

// writeWithRetry writes msgs, re-running the connect state machine first if
// the backend is not connected, and retrying on queue-full by blocking
// briefly before resubmitting. Any other transport error marks the backend
// disconnected and is returned; the reconnect happens on the next call.
func (b *KafkaBackend) writeWithRetry(msgs ...kafka.Message) error {
	if b.state == kafkaFatal {
		return fmt.Errorf("backend kafka: latched fatal: %w", b.fatal)
	}
	for {
		if b.state != kafkaConnected {
			if err := b.connect(); err != nil {
				return err
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := b.writer.WriteMessages(ctx, msgs...)
		cancel()
		if err == nil {
			return nil
		}
		if isQueueFull(err) {
			time.Sleep(kafkaQueueFullPoll)
			continue
		}
		// Any other transport error: mark disconnected, let the caller's
		// next attempt re-run the connect state machine.
		b.state = kafkaDisconnected
		return fmt.Errorf("backend kafka: write: %w", err)
	}
}

func isQueueFull(err error) bool {
	return strings.Contains(err.Error(), "queue is full") || strings.Contains(err.Error(), "too many requests")
}

func (b *KafkaBackend) SetSingle(key string, value uint64, t uint32) error {
	if b.format == formatASCII {
		msg := kafka.Message{Value: []byte(fmt.Sprintf("%s %d %d\n", key, value, t))}
		return b.writeWithRetry(msg)
	}
	buf := make([]byte, tskcodec.EncodedLen(b.channel, []tskcodec.Tuple{{Key: key, Value: value}}))
	n, err := tskcodec.Encode(buf, t, b.channel, []tskcodec.Tuple{{Key: key, Value: value}})
	if err != nil {
		return fmt.Errorf("backend kafka: encode: %w", err)
	}
	return b.writeWithRetry(kafka.Message{Key: minuteKey(t), Value: buf[:n]})
}

func minuteKey(t uint32) []byte {
	m := t / 60
	return []byte{byte(m >> 24), byte(m >> 16), byte(m >> 8), byte(m)}
}

// ResolveKey is identity, matching the ASCII backend: Kafka/TSK has no
// separate key id space.
func (b *KafkaBackend) ResolveKey(key string) ([]byte, error) { return []byte(key), nil }

func (b *KafkaBackend) ResolveKeyBulk(keys []string) ([][]byte, bool, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, false, nil
}

func (b *KafkaBackend) SetSingleByID(id []byte, value uint64, t uint32) error {
	return b.SetSingle(string(id), value, t)
}

func (b *KafkaBackend) SetBulkInit(keyCount int, t uint32) error {
	return fmt.Errorf("%w: kafka backend has no bulk path", keypkg.ErrNotImplemented)
}

func (b *KafkaBackend) SetBulkByID(id []byte, value uint64) error {
	return fmt.Errorf("%w: kafka backend has no bulk path", keypkg.ErrNotImplemented)
}

func (b *KafkaBackend) KPInit(kp *keypkg.KP) (any, error)     { return nil, nil }
func (b *KafkaBackend) KPFree(kp *keypkg.KP, state any) error { return nil }

func (b *KafkaBackend) KPKeyInfoUpdate(kp *keypkg.KP) error {
	for _, i := range kp.UnresolvedIndices(keypkg.Kafka) {
		kp.SetBackendKey(i, keypkg.Kafka, []byte(kp.Key(i)))
	}
	return nil
}

func (b *KafkaBackend) KPKeyInfoFree(kp *keypkg.KP, i int, state any) error { return nil }

// KPFlush serializes every enabled key. In ASCII mode each record is its own
// message (round-robin balanced). In TSK mode records accumulate into one
// framed message of at most half of kafkaScratchSize: the pending message is
// flushed before a tuple that would push it past that half, and a trailing
// message is always flushed after the last key, even if tiny (spec §4.4).
func (b *KafkaBackend) KPFlush(kp *keypkg.KP, t uint32) error {
	n := kp.EnabledSize()
	err := b.kpFlush(kp, t)
	observeFlush(b.Name(), n, err)
	return err
}

func (b *KafkaBackend) kpFlush(kp *keypkg.KP, t uint32) error {
	if b.format == formatASCII {
		for i := 0; i < kp.Size(); i++ {
			if !kp.Enabled(i) {
				continue
			}
			if err := b.SetSingle(kp.Key(i), kp.Value(i), t); err != nil {
				return err
			}
		}
		return nil
	}
	return b.flushTSK(kp, t)
}

func (b *KafkaBackend) flushTSK(kp *keypkg.KP, t uint32) error {
	var pending []tskcodec.Tuple
	pendingLen := tskcodec.EncodedLen(b.channel, nil)
	halfScratch := kafkaScratchSize / 2

	flushPending := func() error {
		if len(pending) == 0 {
			return nil
		}
		buf := make([]byte, tskcodec.EncodedLen(b.channel, pending))
		n, err := tskcodec.Encode(buf, t, b.channel, pending)
		if err != nil {
			return fmt.Errorf("backend kafka: encode: %w", err)
		}
		if err := b.writeWithRetry(kafka.Message{Key: minuteKey(t), Value: buf[:n]}); err != nil {
			return err
		}
		pending = pending[:0]
		pendingLen = tskcodec.EncodedLen(b.channel, nil)
		return nil
	}

	for i := 0; i < kp.Size(); i++ {
		if !kp.Enabled(i) {
			continue
		}
		key := kp.Key(i)
		if len(key) >= tskcodec.MaxKeyLen {
			return fmt.Errorf("%w: %q", tskcodec.ErrKeyTooLong, key)
		}
		tuple := tskcodec.Tuple{Key: key, Value: kp.Value(i)}
		tupleLen := 2 + len(tuple.Key) + 8
		if pendingLen+tupleLen > halfScratch {
			if err := flushPending(); err != nil {
				return err
			}
		}
		pending = append(pending, tuple)
		pendingLen += tupleLen
	}
	return flushPending()
}
