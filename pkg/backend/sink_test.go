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
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestCodecForPathDetectsExtension(t *testing.T) {
	cases := map[string]codec{
		"out.txt":  codecNone,
		"out.gz":   codecGzip,
		"out.zst":  codecZstd,
		"out":      codecNone,
		"a.b.gz":   codecGzip,
	}
	for path, want := range cases {
		if got := codecForPath(path); got != want {
			t.Fatalf("codecForPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestOpenSinkPlainWritesThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	s, err := openSink(path, 0)
	if err != nil {
		t.Fatalf("openSink: %v", err)
	}
	if err := s.printf("%s\n", "hello"); err != nil {
		t.Fatalf("printf: %v", err)
	}
	if err := s.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("got %q, want %q", data, "hello\n")
	}
}

func TestOpenSinkGzipRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.gz")
	s, err := openSink(path, 9)
	if err != nil {
		t.Fatalf("openSink: %v", err)
	}
	if err := s.printf("%s %d\n", "k", 7); err != nil {
		t.Fatalf("printf: %v", err)
	}
	if err := s.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gr.Close()
	data, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "k 7\n" {
		t.Fatalf("got %q, want %q", data, "k 7\n")
	}
}

func TestOpenSinkZstdRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zst")
	s, err := openSink(path, 3)
	if err != nil {
		t.Fatalf("openSink: %v", err)
	}
	if err := s.printf("%s %d\n", "k", 9); err != nil {
		t.Fatalf("printf: %v", err)
	}
	if err := s.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if string(out) != "k 9\n" {
		t.Fatalf("got %q, want %q", out, "k 9\n")
	}
}

func TestNormalizeGzipLevelClamps(t *testing.T) {
	if got := normalizeGzipLevel(0); got != 6 {
		t.Fatalf("normalizeGzipLevel(0) = %d, want 6 (default)", got)
	}
	if got := normalizeGzipLevel(20); got != 9 {
		t.Fatalf("normalizeGzipLevel(20) = %d, want 9 (clamped)", got)
	}
}
