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

// Package tskcodec implements the TSK binary batch wire frame: a header
// (magic, version, timestamp, channel name) followed by zero or more
// (key-length, key-bytes, value) tuples. All multi-byte integers are
// big-endian. Encode/decode are pure functions over caller-supplied buffers;
// neither allocates beyond what the caller asked for.
package tskcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the fixed 8-byte frame identifier.
const Magic = "TSKBATCH"

// Version is the only wire version this codec understands.
const Version = 0

// HeaderFixedLen is the portion of the header before the variable-length
// channel name: magic(8) + version(1) + timestamp(4) + channel-len(2).
const HeaderFixedLen = 8 + 1 + 4 + 2

// MaxKeyLen is the largest key length the wire format can represent (a
// 16-bit length prefix); keys of this length or longer are refused.
const MaxKeyLen = 1 << 16

// MaxChannelLen mirrors MaxKeyLen: the channel name also uses a 16-bit
// length prefix.
const MaxChannelLen = 1 << 16

var (
	// ErrBufferTooShort is returned by Encode when the output buffer has no
	// room for the next field.
	ErrBufferTooShort = errors.New("tskcodec: output buffer too short")
	// ErrKeyTooLong is returned when a key (or channel name) is too long to
	// represent with a 16-bit length prefix.
	ErrKeyTooLong = errors.New("tskcodec: key too long")
)

// Tuple is a single (key, value) observation carried in a TSK message.
type Tuple struct {
	Key   string
	Value uint64
}

// Message is the fully decoded representation of one TSK frame.
type Message struct {
	Time    uint32
	Channel string
	Tuples  []Tuple
}

// EncodedLen returns the exact number of bytes Encode will need to write m.
func EncodedLen(channel string, tuples []Tuple) int {
	n := HeaderFixedLen + len(channel)
	for _, t := range tuples {
		n += 2 + len(t.Key) + 8
	}
	return n
}

// Encode writes the header for (time, channel) followed by every tuple into
// buf, returning the number of bytes written. It returns ErrBufferTooShort
// if buf lacks room for any remaining field and ErrKeyTooLong if the channel
// name or any key is >= 2^16 bytes.
func Encode(buf []byte, time uint32, channel string, tuples []Tuple) (int, error) {
	if len(channel) >= MaxChannelLen {
		return 0, fmt.Errorf("%w: channel %d bytes", ErrKeyTooLong, len(channel))
	}
	w := writer{buf: buf}
	w.bytes([]byte(Magic))
	w.u8(Version)
	w.u32(time)
	w.u16(uint16(len(channel)))
	w.str(channel)
	for _, t := range tuples {
		if len(t.Key) >= MaxKeyLen {
			return w.off, fmt.Errorf("%w: key %d bytes", ErrKeyTooLong, len(t.Key))
		}
		w.u16(uint16(len(t.Key)))
		w.str(t.Key)
		w.u64(t.Value)
	}
	if w.err != nil {
		return w.off, w.err
	}
	return w.off, nil
}

// Decode parses a TSK frame out of buf. On any structural failure (buffer
// shorter than the fixed+variable header, or version mismatch) it returns a
// nil message, the number of bytes it managed to consume before failing (0
// if it failed before the header was even readable), and a non-nil error.
// A truncated trailing tuple is treated the same way: decoding stops and the
// tuples successfully parsed so far are returned alongside the error.
func Decode(buf []byte) (*Message, int, error) {
	r := reader{buf: buf}
	if len(buf) < HeaderFixedLen {
		return nil, 0, fmt.Errorf("%w: have %d bytes, need at least %d", ErrBufferTooShort, len(buf), HeaderFixedLen)
	}
	magic := r.bytes(8)
	if string(magic) != Magic {
		return nil, r.off, fmt.Errorf("tskcodec: bad magic %q", magic)
	}
	version := r.u8()
	if version != Version {
		return nil, r.off, fmt.Errorf("tskcodec: unsupported version %d", version)
	}
	t := r.u32()
	chanLen := int(r.u16())
	if len(buf) < HeaderFixedLen+chanLen {
		return nil, 0, fmt.Errorf("%w: have %d bytes, need %d for channel", ErrBufferTooShort, len(buf), HeaderFixedLen+chanLen)
	}
	channel := string(r.bytes(chanLen))

	msg := &Message{Time: t, Channel: channel}
	for r.off < len(buf) {
		if len(buf)-r.off < 2 {
			return msg, r.off, fmt.Errorf("tskcodec: truncated key length at offset %d", r.off)
		}
		keyLen := int(r.u16())
		if len(buf)-r.off < keyLen+8 {
			return msg, r.off, fmt.Errorf("tskcodec: truncated tuple at offset %d", r.off)
		}
		key := string(r.bytes(keyLen))
		val := r.u64()
		msg.Tuples = append(msg.Tuples, Tuple{Key: key, Value: val})
	}
	if r.err != nil {
		return msg, r.off, r.err
	}
	return msg, r.off, nil
}

// writer is a bounds-checked cursor over a caller-supplied output buffer.
type writer struct {
	buf []byte
	off int
	err error
}

func (w *writer) need(n int) bool {
	if w.err != nil {
		return false
	}
	if w.off+n > len(w.buf) {
		w.err = ErrBufferTooShort
		return false
	}
	return true
}

func (w *writer) bytes(b []byte) {
	if !w.need(len(b)) {
		return
	}
	copy(w.buf[w.off:], b)
	w.off += len(b)
}

func (w *writer) str(s string) { w.bytes([]byte(s)) }

func (w *writer) u8(v uint8) {
	if !w.need(1) {
		return
	}
	w.buf[w.off] = v
	w.off++
}

func (w *writer) u16(v uint16) {
	if !w.need(2) {
		return
	}
	binary.BigEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
}

func (w *writer) u32(v uint32) {
	if !w.need(4) {
		return
	}
	binary.BigEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *writer) u64(v uint64) {
	if !w.need(8) {
		return
	}
	binary.BigEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

// reader is a bounds-checked cursor over a caller-supplied input buffer.
// Once a read fails, every subsequent read is a no-op returning zero, so
// callers can chain reads and check err once at the end.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = ErrBufferTooShort
		return false
	}
	return true
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}
