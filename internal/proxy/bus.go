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
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// pollTimeout bounds how long the consume loop blocks per poll (spec §4.7,
// §5: "the proxy's consume loop blocks up to 1000 ms per poll").
const pollTimeout = 1000 * time.Millisecond

// messageBus is the minimal surface the proxy needs from a bus consumer:
// fetch the next message (bounded by ctx), and close. Kept as a narrow
// interface so tests can substitute an in-memory fake rather than a live
// broker (the teacher's persistence package does the same for its backend
// clients).
type messageBus interface {
	fetch(ctx context.Context) (messageBusEntry, bool, error)
	close() error
}

// messageBusEntry is one raw bus record: its bytes (the proxy's stats KP
// tracks their length independently of tuple count).
type messageBusEntry struct {
	Value []byte
}

// kafkaBus wraps kafka.Reader as the proxy's concrete messageBus.
type kafkaBus struct {
	reader *kafka.Reader
}

func newKafkaBus(brokers []string, topic, group, offset string) (*kafkaBus, error) {
	start := kafka.FirstOffset
	switch strings.ToLower(offset) {
	case "earliest", "":
		start = kafka.FirstOffset
	case "latest":
		start = kafka.LastOffset
	default:
		return nil, fmt.Errorf("%w: unsupported kafka-offset %q", ErrConfig, offset)
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: int64(start),
	})
	return &kafkaBus{reader: r}, nil
}

// fetch blocks up to pollTimeout for the next message. A context-deadline
// timeout is reported as (zero, false, nil): "nothing arrived this poll",
// not an error.
func (b *kafkaBus) fetch(ctx context.Context) (messageBusEntry, bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	m, err := b.reader.FetchMessage(pollCtx)
	if err != nil {
		if pollCtx.Err() != nil && ctx.Err() == nil {
			return messageBusEntry{}, false, nil
		}
		return messageBusEntry{}, false, fmt.Errorf("proxy: bus fetch: %w", err)
	}
	if err := b.reader.CommitMessages(context.Background(), m); err != nil {
		return messageBusEntry{}, false, fmt.Errorf("proxy: bus commit: %w", err)
	}
	return messageBusEntry{Value: m.Value}, true, nil
}

func (b *kafkaBus) close() error { return b.reader.Close() }
