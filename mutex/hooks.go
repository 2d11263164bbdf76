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

package mutex

import (
	"context"
	"time"
)

// Hooks is the capability set the caller supplies, replacing the Python
// implementation's abstract base class (spec §9: "Source uses abstract base
// class with two user-implemented methods... Replace with an
// interface/capability set passed to a Controller by composition").
//
// Both methods may be invoked concurrently with themselves if the caller
// shares a Hooks across multiple Controllers that (incorrectly) share a
// client UUID; implementations must not assume single-client semantics
// (spec §4.4, §1 Non-goals).
type Hooks interface {
	// IsMutexNeeded reports whether the critical section is still required.
	// Returning false short-circuits Controller.Start. Called at least once
	// per retry cycle.
	IsMutexNeeded(ctx context.Context) (bool, error)

	// ExecuteCriticalSection performs the protected work. deadline is the
	// lease's expiry (now + TTL) at the moment the lease was acquired; it is
	// advisory only — the controller does not cancel ctx when it passes.
	ExecuteCriticalSection(ctx context.Context, deadline time.Time) error
}
