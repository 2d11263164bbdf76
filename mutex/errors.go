// Copyright 2024 The go-spanner-mutex Authors
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

// Package mutex implements a distributed mutex whose shared state lives in a
// transactional row store (TRS). See package trs for the storage contract.
package mutex

import "github.com/gravitational/trace"

// NewConfigError wraps a configuration validation failure. Config errors are
// always trace.BadParameter so callers can use trace.IsBadParameter to tell
// them apart from runtime failures.
func NewConfigError(format string, args ...any) error {
	return trace.BadParameter(format, args...)
}

// NewMutexError wraps a fatal controller-level failure, optionally chaining a
// cause (e.g. a failed critical section, or a TRS error encountered while
// releasing the lease).
func NewMutexError(cause error, format string, args ...any) error {
	if cause == nil {
		return trace.Errorf(format, args...)
	}
	return trace.Wrap(cause, format, args...)
}
