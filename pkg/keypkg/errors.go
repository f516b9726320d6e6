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

package keypkg

import "errors"

var (
	// ErrNotImplemented is returned by a Backend method the backend chooses
	// not to support (e.g. SetSingleByID on a backend with no id-based path).
	ErrNotImplemented = errors.New("keypkg: not implemented")
	// ErrResolve is a ResolveError (spec §7): a backend could not map a key
	// to its private identifier.
	ErrResolve = errors.New("keypkg: resolve failed")
	// ErrPartialFlush is returned by KP.Flush when at least one enabled
	// backend's KPFlush failed while others succeeded. The KP itself
	// remains valid; the caller may retry.
	ErrPartialFlush = errors.New("keypkg: partial flush failure")
)
