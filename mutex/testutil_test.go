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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fgka/go-spanner-mutex/trs"
)

// fakeAdapter is an in-memory trs.Adapter standing in for Spanner, mirroring
// teleport's preference for exercising backend-dependent logic against a
// lightweight in-memory implementation of the backend contract rather than a
// mock library (see lib/backend/memory in the teleport tree).
type fakeAdapter struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	rows         map[uuid.UUID]trs.Row
	validateErr  error
	upsertCalls  int
	readRowCalls int
}

func newFakeAdapter(clock clockwork.Clock) *fakeAdapter {
	return &fakeAdapter{clock: clock, rows: make(map[uuid.UUID]trs.Row)}
}

func (f *fakeAdapter) seed(row trs.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[row.UUID] = row
}

func (f *fakeAdapter) ReadRow(_ context.Context, _ string, key uuid.UUID) (*trs.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readRowCalls++
	row, ok := f.rows[key]
	if !ok {
		return nil, nil
	}
	cp := row
	return &cp, nil
}

func (f *fakeAdapter) ConditionalUpsert(_ context.Context, _ string, candidate trs.Row, canUpsert trs.CanUpsertFunc) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++

	current, ok := f.rows[candidate.UUID]
	var currentPtr *trs.Row
	if ok {
		cp := current
		currentPtr = &cp
	}
	if !canUpsert(currentPtr, candidate) {
		return false, nil
	}
	candidate.UpdateTimeUTC = f.clock.Now().UTC()
	f.rows[candidate.UUID] = candidate
	return true, nil
}

func (f *fakeAdapter) Validate(_ context.Context, _ string) error {
	return f.validateErr
}

// fakeHooks is a Hooks implementation whose behavior each test configures.
type fakeHooks struct {
	mu           sync.Mutex
	needed       bool
	neededErr    error
	neededCalls  int
	executeFunc  func(ctx context.Context, deadline time.Time) error
	executeCalls int
}

func (h *fakeHooks) IsMutexNeeded(context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.neededCalls++
	return h.needed, h.neededErr
}

func (h *fakeHooks) ExecuteCriticalSection(ctx context.Context, deadline time.Time) error {
	h.mu.Lock()
	h.executeCalls++
	fn := h.executeFunc
	h.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, deadline)
}

// validConfig returns the smallest Config that satisfies
// Config.CheckAndSetDefaults' staleness invariant, so tests don't carry
// unrelated boilerplate.
func validConfig() Config {
	return Config{
		MutexUUID:        uuid.New(),
		InstanceID:       "test-instance",
		DatabaseID:       "test-database",
		TableID:          "test-table",
		TTLSeconds:       MinTTLSeconds,
		WaitTimeSeconds:  MinWaitTimeSeconds,
		MaxRetries:       MinMaxRetries,
		StalenessSeconds: MinStalenessSeconds,
	}
}

// runStart launches ctrl.Start in a goroutine and pumps clock forward once
// per expected sleep, the standard clockwork pattern for driving code that
// blocks on Clock.After from outside its own goroutine.
func runStart(t *testing.T, ctrl *Controller, clock *clockwork.FakeClock, ctx context.Context, expectedSleeps int) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Start(ctx) }()

	for i := 0; i < expectedSleeps; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Duration(ctrl.cfg.Mutex.WaitTimeSeconds) * time.Second)
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Controller.Start did not return in time")
		return nil
	}
}
