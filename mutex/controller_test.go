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
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fgka/go-spanner-mutex/trs"
)

// TestStartColdAcquireSucceeds covers spec §8 scenario 1: no row exists, the
// controller acquires, runs the critical section, and releases to DONE in a
// single Start call without ever sleeping.
func TestStartColdAcquireSucceeds(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := validConfig()
	adapter := newFakeAdapter(clock)
	hooks := &fakeHooks{needed: true}

	ctrl, err := NewController(ControllerConfig{Mutex: cfg, Adapter: adapter, Hooks: hooks, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(context.Background()))

	row, err := adapter.ReadRow(context.Background(), cfg.TableID, cfg.MutexUUID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, string(StatusDone), row.Status)
	require.Equal(t, 1, hooks.executeCalls)
	require.Equal(t, 2, adapter.upsertCalls, "expected one upsert for acquire and one for release")
}

// TestStartFreshDoneByPeerDoesNotPreempt covers spec §8 scenario 2: a fresh
// DONE row owned by another client is left alone until retries are
// exhausted; Start returns nil (exhausting retries is not itself an error).
func TestStartFreshDoneByPeerDoesNotPreempt(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := validConfig()
	adapter := newFakeAdapter(clock)
	adapter.seed(trs.Row{
		UUID:             cfg.MutexUUID,
		Status:           string(StatusDone),
		UpdateTimeUTC:    clock.Now(),
		UpdateClientUUID: uuid.New(),
	})
	hooks := &fakeHooks{needed: true}

	ctrl, err := NewController(ControllerConfig{Mutex: cfg, Adapter: adapter, Hooks: hooks, Clock: clock})
	require.NoError(t, err)

	err = runStart(t, ctrl, clock, context.Background(), cfg.MaxRetries)
	require.NoError(t, err)
	require.Equal(t, 0, adapter.upsertCalls, "a fresh DONE row must never be upserted over")
}

// TestStartFreshStartedIsNotPreemptedEvenPastTTL covers spec §8 scenario 3
// (the open question resolved in favor of "only staleness reclaims a
// STARTED row"): a STARTED row whose lease (TTL) has already nominally
// expired, but which is not yet stale, is still left alone.
func TestStartFreshStartedIsNotPreemptedEvenPastTTL(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := validConfig() // TTLSeconds=10
	// Keep the row short of staleness for every retry cycle: the loop below
	// advances the clock by MaxRetries*WaitTimeSeconds (5s) in total.
	cfg.StalenessSeconds = 600
	adapter := newFakeAdapter(clock)
	adapter.seed(trs.Row{
		UUID:             cfg.MutexUUID,
		Status:           string(StatusStarted),
		UpdateTimeUTC:    clock.Now().Add(-time.Duration(cfg.TTLSeconds) * time.Second),
		UpdateClientUUID: uuid.New(),
	})
	hooks := &fakeHooks{needed: true}

	ctrl, err := NewController(ControllerConfig{Mutex: cfg, Adapter: adapter, Hooks: hooks, Clock: clock})
	require.NoError(t, err)

	err = runStart(t, ctrl, clock, context.Background(), cfg.MaxRetries)
	require.NoError(t, err)
	require.Equal(t, 0, adapter.upsertCalls)
}

// TestStartStaleDoneIsReclaimed covers spec §8 scenario 4: a DONE row well
// past mutex_staleness_in_secs is reclaimed immediately.
func TestStartStaleDoneIsReclaimed(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := validConfig()
	adapter := newFakeAdapter(clock)
	adapter.seed(trs.Row{
		UUID:             cfg.MutexUUID,
		Status:           string(StatusDone),
		UpdateTimeUTC:    clock.Now().Add(-time.Hour),
		UpdateClientUUID: uuid.New(),
	})
	hooks := &fakeHooks{needed: true}

	ctrl, err := NewController(ControllerConfig{Mutex: cfg, Adapter: adapter, Hooks: hooks, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(context.Background()))

	row, err := adapter.ReadRow(context.Background(), cfg.TableID, cfg.MutexUUID)
	require.NoError(t, err)
	require.Equal(t, string(StatusDone), row.Status)
	require.Equal(t, ctrl.cfg.ClientUUID, row.UpdateClientUUID)
}

// TestStartCriticalSectionFailureMarksFailedAndReturnsMutexError covers spec
// §8 scenario 6 and §7's error-handling design: a failing critical section
// still releases (to FAILED) and the cause is chained into the returned
// MutexError.
func TestStartCriticalSectionFailureMarksFailedAndReturnsMutexError(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := validConfig()
	adapter := newFakeAdapter(clock)
	wantErr := errors.New("critical section boom")
	hooks := &fakeHooks{
		needed:      true,
		executeFunc: func(context.Context, time.Time) error { return wantErr },
	}

	ctrl, err := NewController(ControllerConfig{Mutex: cfg, Adapter: adapter, Hooks: hooks, Clock: clock})
	require.NoError(t, err)

	startErr := ctrl.Start(context.Background())
	require.Error(t, startErr)
	require.ErrorContains(t, startErr, wantErr.Error())

	row, err := adapter.ReadRow(context.Background(), cfg.TableID, cfg.MutexUUID)
	require.NoError(t, err)
	require.Equal(t, string(StatusFailed), row.Status)
}

// TestStartIsMutexNeededHookErrorIsFatal covers spec §7: a failing
// IsMutexNeeded hook is always a fatal MutexError, never silently retried.
func TestStartIsMutexNeededHookErrorIsFatal(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := validConfig()
	adapter := newFakeAdapter(clock)
	wantErr := errors.New("hook boom")
	hooks := &fakeHooks{neededErr: wantErr}

	ctrl, err := NewController(ControllerConfig{Mutex: cfg, Adapter: adapter, Hooks: hooks, Clock: clock})
	require.NoError(t, err)

	startErr := ctrl.Start(context.Background())
	require.Error(t, startErr)
	require.ErrorContains(t, startErr, wantErr.Error())
	require.Equal(t, 0, adapter.upsertCalls)
}

// TestStartStopsWhenNoLongerNeeded confirms Start returns nil as soon as
// IsMutexNeeded reports false, without ever attempting acquisition.
func TestStartStopsWhenNoLongerNeeded(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := validConfig()
	adapter := newFakeAdapter(clock)
	hooks := &fakeHooks{needed: false}

	ctrl, err := NewController(ControllerConfig{Mutex: cfg, Adapter: adapter, Hooks: hooks, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, 1, hooks.neededCalls)
	require.Equal(t, 0, adapter.upsertCalls)
}

func TestStatusUnknownWhenRowAbsent(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := validConfig()
	adapter := newFakeAdapter(clock)
	hooks := &fakeHooks{}

	ctrl, err := NewController(ControllerConfig{Mutex: cfg, Adapter: adapter, Hooks: hooks, Clock: clock})
	require.NoError(t, err)

	status, err := ctrl.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, status)
}

func TestValidatePropagatesAdapterError(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := validConfig()
	adapter := newFakeAdapter(clock)
	adapter.validateErr = errors.New("table unreachable")
	hooks := &fakeHooks{}

	ctrl, err := NewController(ControllerConfig{Mutex: cfg, Adapter: adapter, Hooks: hooks, Clock: clock})
	require.NoError(t, err)

	ok, err := ctrl.Validate(context.Background(), true)
	require.Error(t, err)
	require.False(t, ok)

	ok, err = ctrl.Validate(context.Background(), false)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestNewControllerThreadsRandomIntoDecisionEngine confirms
// ControllerConfig.Random reaches the decision engine's jitter, the same
// seam Clock already has, so callers can substitute a deterministic source
// per spec §9's "injected Clock, Random" re-architecture note.
func TestNewControllerThreadsRandomIntoDecisionEngine(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := validConfig()
	adapter := newFakeAdapter(clock)
	hooks := &fakeHooks{needed: true}

	var requestedCeiling int64
	rng := fakeJitterSource(func(n int64) int64 {
		requestedCeiling = n
		return n - 1
	})

	ctrl, err := NewController(ControllerConfig{
		Mutex: cfg, Adapter: adapter, Hooks: hooks, Clock: clock, Random: rng,
	})
	require.NoError(t, err)

	ctrl.decision.jitter()
	require.NotZero(t, requestedCeiling, "decisionEngine must use the injected Random source, not the global one")
}
