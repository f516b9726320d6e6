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
	"tsk/pkg/keypkg"
)

// statKeys are the four counters recorded in the stats KP, keyed under
// Config.StatPrefix() (spec §4.7).
type statKeys struct {
	flushCnt      int
	flushedKeyCnt int
	messagesCnt   int
	messagesBytes int
}

// newStatKeys adds the four counter keys to kp and returns their indices.
func newStatKeys(kp *keypkg.KP, prefix string) statKeys {
	return statKeys{
		flushCnt:      kp.AddKey(prefix + ".flush_cnt"),
		flushedKeyCnt: kp.AddKey(prefix + ".flushed_key_cnt"),
		messagesCnt:   kp.AddKey(prefix + ".messages_cnt"),
		messagesBytes: kp.AddKey(prefix + ".messages_bytes"),
	}
}

// recordMessage increments messages_cnt and messages_bytes for one consumed
// bus record (spec §4.7 step 6).
func (s statKeys) recordMessage(kp *keypkg.KP, byteLen int) {
	kp.Set(s.messagesCnt, kp.Value(s.messagesCnt)+1)
	kp.Set(s.messagesBytes, kp.Value(s.messagesBytes)+uint64(byteLen))
}

// recordFlush increments flush_cnt by one and flushed_key_cnt by keyCount,
// called once per downstream KP flush.
func (s statKeys) recordFlush(kp *keypkg.KP, keyCount int) {
	kp.Set(s.flushCnt, kp.Value(s.flushCnt)+1)
	kp.Set(s.flushedKeyCnt, kp.Value(s.flushedKeyCnt)+uint64(keyCount))
}
