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
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// byteSink is the minimal external byte-sink abstraction the ASCII backend
// writes through: open(path, compression, level), printf, close. Emitting
// to stdout bypasses it entirely.
type byteSink struct {
	f        *os.File
	w        *bufio.Writer
	compress io.WriteCloser // non-nil when a codec wraps w
}

// codec identifies a transparent compression scheme, auto-detected from the
// sink path's file extension.
type codec int

const (
	codecNone codec = iota
	codecGzip
	codecZstd
)

func codecForPath(path string) codec {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return codecGzip
	case strings.HasSuffix(path, ".zst"):
		return codecZstd
	default:
		return codecNone
	}
}

// openSink opens path for writing with the codec auto-detected from its
// extension, at the given compression level (0-9; out-of-range values clamp
// to the codec's valid range; 6 is the default when level is 0 but the path
// requests a codec, matching spec §4.3's "level 0-9, default 6").
func openSink(path string, level int) (*byteSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("backend: open sink %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	s := &byteSink{f: f, w: bw}

	switch codecForPath(path) {
	case codecGzip:
		gzLevel := normalizeGzipLevel(level)
		gw, err := gzip.NewWriterLevel(bw, gzLevel)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("backend: gzip sink %s: %w", path, err)
		}
		s.compress = gw
	case codecZstd:
		zw, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(normalizeZstdLevel(level)))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("backend: zstd sink %s: %w", path, err)
		}
		s.compress = zw
	case codecNone:
	}
	return s, nil
}

func normalizeGzipLevel(level int) int {
	if level <= 0 {
		return 6
	}
	if level > 9 {
		return 9
	}
	return level
}

func normalizeZstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		// Level 0 means "default", which is 6.
		return zstd.SpeedBetterCompression
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 8:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// flusher is implemented by both gzip.Writer and zstd.Encoder: a partial
// flush that doesn't end the compressed stream.
type flusher interface {
	Flush() error
}

// printf writes a formatted record to the sink, flushed immediately (no
// batching, no retention), per spec §4.3.
func (s *byteSink) printf(format string, args ...any) error {
	dst := io.Writer(s.w)
	if s.compress != nil {
		dst = s.compress
	}
	if _, err := fmt.Fprintf(dst, format, args...); err != nil {
		return err
	}
	if s.compress != nil {
		if fl, ok := s.compress.(flusher); ok {
			if err := fl.Flush(); err != nil {
				return err
			}
		}
	}
	return s.w.Flush()
}

// close flushes and closes the compressor (if any), the buffered writer,
// and the underlying file.
func (s *byteSink) close() error {
	var firstErr error
	if s.compress != nil {
		if err := s.compress.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.w.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
