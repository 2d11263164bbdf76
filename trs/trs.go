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

// Package trs is the thin contract over a transactional row store (TRS) the
// mutex controller needs: a snapshot read and a conditionally-guarded
// transactional upsert of a single row keyed by UUID. It exposes exactly the
// primitives spec §4.1 describes, no more — teleport's lib/backend exposes a
// much richer key-value surface (Put, Get, CompareAndSwap, atomic
// multi-key writes, watches); Row/Adapter below is deliberately a narrow
// slice of that idea, scoped to one table and one key shape.
package trs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Row is one record of the mutex table (spec §6's required columns).
type Row struct {
	UUID                    uuid.UUID
	DisplayName             string
	Status                  string
	UpdateTimeUTC           time.Time
	UpdateClientUUID        uuid.UUID
	UpdateClientDisplayName string
}

// CanUpsertFunc is evaluated by the TRS inside the same serializable
// transaction as the keyed read that produces current, so it sees a
// consistent snapshot relative to any concurrent ConditionalUpsert on the
// same key (spec §4.1's guarantee). current is nil when no row exists yet.
type CanUpsertFunc func(current *Row, candidate Row) bool

// Adapter is the contract the mutex controller depends on. spannerAdapter,
// returned by SpannerAdapterFactory.Connect, is the only production
// implementation; tests substitute fakeAdapter.
type Adapter interface {
	// ReadRow performs a snapshot read by primary key outside of a
	// transaction. It returns (nil, nil) when the row is absent, and a
	// non-nil error (always satisfying trace.IsConnectionProblem,
	// trace.IsNotFound, or a bare wrapped error) for infrastructure
	// failures.
	ReadRow(ctx context.Context, table string, key uuid.UUID) (*Row, error)

	// ConditionalUpsert opens a serializable transaction, reads the current
	// row for candidate.UUID, and — iff canUpsert(current, candidate)
	// returns true — inserts or updates it with UpdateTimeUTC set to the
	// store's commit timestamp. It returns (true, nil) iff the write
	// committed, (false, nil) when canUpsert rejected it (not an error),
	// and (false, err) for infrastructure failures.
	ConditionalUpsert(ctx context.Context, table string, candidate Row, canUpsert CanUpsertFunc) (bool, error)

	// Validate confirms that table exists and is reachable.
	Validate(ctx context.Context, table string) error
}
