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

import "errors"

// ErrParse marks a malformed TSK message: short buffer, bad version, or a
// truncated tuple (spec §7 ParseError). Logged and the message is skipped;
// the consume loop continues.
var ErrParse = errors.New("proxy: malformed TSK message")

// ErrChannelMismatch marks a message addressed to a different channel than
// the one this proxy instance was configured to consume (spec §7
// ChannelMismatch). Logged and skipped.
var ErrChannelMismatch = errors.New("proxy: channel mismatch")
