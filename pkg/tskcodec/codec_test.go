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

package tskcodec

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeConcreteVector(t *testing.T) {
	want := []byte{
		0x54, 0x53, 0x4B, 0x42, 0x41, 0x54, 0x43, 0x48,
		0x00,
		0x3B, 0x9A, 0xCA, 0x00,
		0x00, 0x03, 0x63, 0x68, 0x31,
		0x00, 0x03, 0x66, 0x6F, 0x6F,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x2A,
	}
	buf := make([]byte, EncodedLen("ch1", []Tuple{{Key: "foo", Value: 42}}))
	n, err := Encode(buf, 1000000000, "ch1", []Tuple{{Key: "foo", Value: 42}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != 31 {
		t.Fatalf("len = %d, want 31", n)
	}
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("bytes = % X, want % X", buf[:n], want)
	}

	msg, consumed, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != n {
		t.Fatalf("consumed = %d, want %d", consumed, n)
	}
	if msg.Time != 1000000000 || msg.Channel != "ch1" {
		t.Fatalf("msg = %+v", msg)
	}
	if len(msg.Tuples) != 1 || msg.Tuples[0].Key != "foo" || msg.Tuples[0].Value != 42 {
		t.Fatalf("tuples = %+v", msg.Tuples)
	}
}

func TestRoundTripManyTuples(t *testing.T) {
	tuples := []Tuple{
		{Key: "a.b.c", Value: 0},
		{Key: "systems.services.tsk", Value: 1 << 40},
		{Key: "", Value: 9999999999},
	}
	buf := make([]byte, EncodedLen("metrics", tuples))
	n, err := Encode(buf, 42, "metrics", tuples)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, _, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Time != 42 || msg.Channel != "metrics" {
		t.Fatalf("header mismatch: %+v", msg)
	}
	if len(msg.Tuples) != len(tuples) {
		t.Fatalf("tuple count = %d, want %d", len(msg.Tuples), len(tuples))
	}
	for i, want := range tuples {
		if msg.Tuples[i] != want {
			t.Fatalf("tuple[%d] = %+v, want %+v", i, msg.Tuples[i], want)
		}
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	buf := make([]byte, EncodedLen("chan", []Tuple{{Key: "k", Value: 1}}))
	n, err := Encode(buf, 1, "chan", []Tuple{{Key: "k", Value: 1}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for l := 0; l < HeaderFixedLen+len("chan"); l++ {
		if _, _, err := Decode(buf[:l]); err == nil {
			t.Fatalf("Decode(%d bytes) succeeded, want error (full frame is %d)", l, n)
		}
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	buf := make([]byte, EncodedLen("c", nil))
	n, err := Encode(buf, 1, "c", nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[8] = 1 // version byte
	if _, _, err := Decode(buf[:n]); err == nil {
		t.Fatal("Decode with version=1 succeeded, want error")
	}
}

func TestDecodeRejectsTruncatedTuple(t *testing.T) {
	buf := make([]byte, EncodedLen("c", []Tuple{{Key: "longkey", Value: 7}}))
	n, err := Encode(buf, 1, "c", []Tuple{{Key: "longkey", Value: 7}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, consumed, err := Decode(buf[:n-1])
	if err == nil {
		t.Fatal("Decode on truncated tuple succeeded, want error")
	}
	if consumed == 0 {
		t.Fatal("consumed should reflect header bytes even on truncated tuple")
	}
	if len(msg.Tuples) != 0 {
		t.Fatalf("tuples = %+v, want none from a truncated tuple", msg.Tuples)
	}
}

func TestEncodeRejectsOversizedKey(t *testing.T) {
	longKey := strings.Repeat("x", MaxKeyLen)
	buf := make([]byte, EncodedLen("c", []Tuple{{Key: longKey, Value: 1}})+16)
	if _, err := Encode(buf, 1, "c", []Tuple{{Key: longKey, Value: 1}}); err == nil {
		t.Fatal("Encode with oversized key succeeded, want ErrKeyTooLong")
	}
}

func TestEncodeRejectsShortOutputBuffer(t *testing.T) {
	tuples := []Tuple{{Key: "foo", Value: 1}}
	buf := make([]byte, 4)
	if _, err := Encode(buf, 1, "ch", tuples); err == nil {
		t.Fatal("Encode into a too-small buffer succeeded, want ErrBufferTooShort")
	}
}
