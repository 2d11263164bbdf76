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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fgka/go-spanner-mutex/jitter"
	"github.com/fgka/go-spanner-mutex/trs"
)

// ControllerConfig threads everything a Controller needs through a single
// validated value, per spec §9's design note to keep the config-struct
// pattern rather than reach for constructor options or inheritance.
type ControllerConfig struct {
	// Mutex is the shared, cross-client configuration (spec §3).
	Mutex Config
	// Adapter is the TRS this controller arbitrates through.
	Adapter trs.Adapter
	// Hooks supplies the user-defined IsMutexNeeded/ExecuteCriticalSection.
	Hooks Hooks

	// ClientUUID identifies this execution unit. It MUST be unique per
	// concurrent goroutine/thread/process sharing Mutex.MutexUUID (spec §3);
	// left zero, one is generated.
	ClientUUID uuid.UUID
	// ClientDisplayName is cosmetic; defaults to ClientUUID's string form.
	ClientDisplayName string

	// Clock is the time source; defaults to clockwork.NewRealClock().
	Clock clockwork.Clock
	// Random is the jitter source backing the decision engine's watermark
	// computations; left nil, it defaults to a process-wide, mutex-guarded
	// math/rand source (see jitter.NewUniform). Tests substitute a fake the
	// same way they substitute Clock, per spec §9's "injected Clock,
	// Random" re-architecture note.
	Random jitter.Source
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the embedded Mutex config and fills in
// ClientUUID/ClientDisplayName/Clock/Logger when left zero.
func (c *ControllerConfig) CheckAndSetDefaults() error {
	if err := c.Mutex.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Adapter == nil {
		return NewConfigError("missing Adapter")
	}
	if c.Hooks == nil {
		return NewConfigError("missing Hooks")
	}
	if c.ClientUUID == uuid.Nil {
		c.ClientUUID = uuid.New()
	}
	if c.ClientDisplayName == "" {
		c.ClientDisplayName = c.ClientUUID.String()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Controller is the driving loop of spec §4.3: it repeatedly asks the user
// whether work is still needed, consults the TRS, attempts acquisition, runs
// the critical section under a lease deadline, and releases.
//
// WARNING: a Controller carries exactly one ClientUUID, so goroutines that
// run Start concurrently each need their own Controller built with a
// distinct ClientUUID (spec §3, §5); sharing a ClientUUID across concurrent
// execution units breaks safety,
// because the protocol treats "same update_client_uuid" as "this client".
type Controller struct {
	cfg      ControllerConfig
	decision *decisionEngine
	logger   *slog.Logger
}

// NewController validates cfg and returns a ready-to-use Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{
		cfg:      cfg,
		decision: newDecisionEngine(&cfg.Mutex, cfg.Random),
		logger: cfg.Logger.With(
			"component", "spanner-mutex",
			"mutex_uuid", cfg.Mutex.MutexUUID,
			"client_uuid", cfg.ClientUUID,
		),
	}, nil
}

// Validate confirms the TRS table backing this mutex exists and is
// reachable. When raiseIfInvalid is true, any TRS error is returned as a
// MutexError; otherwise it is logged and Validate returns (false, nil).
func (c *Controller) Validate(ctx context.Context, raiseIfInvalid bool) (bool, error) {
	if err := c.cfg.Adapter.Validate(ctx, c.cfg.Mutex.TableID); err != nil {
		if raiseIfInvalid {
			return false, NewMutexError(err, "validating mutex table %q", c.cfg.Mutex.TableID)
		}
		c.logger.ErrorContext(ctx, "mutex table validation failed", "error", err)
		return false, nil
	}
	return true, nil
}

// Status snapshot-reads the mutex row and returns StatusUnknown when
// absent. It never mutates state.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	state, err := c.readState(ctx)
	if err != nil {
		return StatusUnknown, NewMutexError(err, "reading mutex status")
	}
	if state == nil {
		return StatusUnknown, nil
	}
	return state.Status, nil
}

// Start runs the acquisition loop described in spec §4.3. It returns
// normally when the critical section executed successfully, when the hooks
// report work is no longer needed, or when mutex_max_retries is exhausted
// (logged at warning, not an error per spec §7). It returns a MutexError for
// any fatal condition: a failing hook, a TRS read failure, or a release that
// failed (whether because the TRS call errored or because a peer already
// reclaimed the row).
func (c *Controller) Start(ctx context.Context) error {
	for retries := 0; retries < c.cfg.Mutex.MaxRetries; retries++ {
		needed, err := c.safeIsMutexNeeded(ctx)
		if err != nil {
			return err
		}
		if !needed {
			c.logger.InfoContext(ctx, "critical section no longer needed, stopping")
			return nil
		}

		now := c.cfg.Clock.Now().UTC()
		state, err := c.readState(ctx)
		if err != nil {
			return NewMutexError(err, "reading mutex state")
		}

		if c.decision.shouldTryToAcquire(state, now) {
			acquired, err := c.acquire(ctx)
			switch {
			case err != nil:
				// spec §4.3/§7: a TRS failure during acquire is "did not
				// acquire", not fatal — log and keep retrying.
				c.logger.InfoContext(ctx, "could not attempt to acquire mutex, will retry", "error", err)
			case acquired:
				c.logger.InfoContext(ctx, "mutex acquired, executing critical section")
				deadline := now.Add(time.Duration(c.cfg.Mutex.TTLSeconds) * time.Second)
				csErr := c.safeExecuteCriticalSection(ctx, deadline)
				return c.release(ctx, csErr)
			}
		}

		if !c.sleep(ctx) {
			return nil
		}
	}
	c.logger.WarnContext(ctx, "exhausted retries without acquiring mutex", "max_retries", c.cfg.Mutex.MaxRetries)
	return nil
}

func (c *Controller) readState(ctx context.Context) (*State, error) {
	row, err := c.cfg.Adapter.ReadRow(ctx, c.cfg.Mutex.TableID, c.cfg.Mutex.MutexUUID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return stateFromRow(row)
}

func (c *Controller) acquire(ctx context.Context) (bool, error) {
	candidate := &State{
		UUID:                    c.cfg.Mutex.MutexUUID,
		DisplayName:             c.cfg.Mutex.DisplayName,
		Status:                  StatusStarted,
		UpdateClientUUID:        c.cfg.ClientUUID,
		UpdateClientDisplayName: c.cfg.ClientDisplayName,
	}
	ok, err := c.conditionalUpsert(ctx, candidate)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return ok, nil
}

// release sets the row to DONE (csErr == nil) or FAILED (otherwise) and
// upserts it. A commit failure, or the predicate rejecting the write because
// a peer already reclaimed the row, is always fatal (spec §4.3/§9 Open
// Question 4): the caller needs to know the row no longer represents their
// execution even though the critical section itself may have succeeded.
func (c *Controller) release(ctx context.Context, csErr error) error {
	status := StatusDone
	if csErr != nil {
		status = StatusFailed
	}
	candidate := &State{
		UUID:                    c.cfg.Mutex.MutexUUID,
		DisplayName:             c.cfg.Mutex.DisplayName,
		Status:                  status,
		UpdateClientUUID:        c.cfg.ClientUUID,
		UpdateClientDisplayName: c.cfg.ClientDisplayName,
	}
	ok, err := c.conditionalUpsert(ctx, candidate)
	if err != nil {
		return NewMutexError(err, "releasing mutex %s (critical section error: %v)", c.cfg.Mutex.MutexUUID, csErr)
	}
	if !ok {
		return NewMutexError(
			trace.CompareFailed("mutex row for %s was reclaimed by another client before release", c.cfg.Mutex.MutexUUID),
			"releasing mutex (critical section error: %v)", csErr,
		)
	}
	if csErr != nil {
		return NewMutexError(csErr, "critical section failed for mutex %s", c.cfg.Mutex.MutexUUID)
	}
	return nil
}

// conditionalUpsert binds the decision engine's canUpsert predicate to the
// TRS call, re-evaluating "now" at invocation time so the predicate sees
// fresh jitter and an up-to-date clock even if the TRS retries the
// transaction internally (spec §4.2).
func (c *Controller) conditionalUpsert(ctx context.Context, candidate *State) (bool, error) {
	canUpsert := func(currentRow *trs.Row, _ trs.Row) bool {
		current, err := stateFromRow(currentRow)
		if err != nil {
			c.logger.WarnContext(ctx, "refusing to upsert over an unparsable row", "error", err)
			return false
		}
		return c.decision.canUpsert(current, candidate, c.cfg.ClientUUID, c.cfg.Clock.Now().UTC())
	}
	return c.cfg.Adapter.ConditionalUpsert(ctx, c.cfg.Mutex.TableID, candidate.toRow(), canUpsert)
}

func (c *Controller) safeIsMutexNeeded(ctx context.Context) (bool, error) {
	start := c.cfg.Clock.Now()
	needed, err := c.cfg.Hooks.IsMutexNeeded(ctx)
	c.logger.DebugContext(ctx, "is_mutex_needed evaluated", "duration", c.cfg.Clock.Now().Sub(start), "needed", needed, "error", err)
	if err != nil {
		return false, NewMutexError(err, "is_mutex_needed hook failed")
	}
	return needed, nil
}

func (c *Controller) safeExecuteCriticalSection(ctx context.Context, deadline time.Time) error {
	start := c.cfg.Clock.Now()
	err := c.cfg.Hooks.ExecuteCriticalSection(ctx, deadline)
	c.logger.InfoContext(ctx, "execute_critical_section returned", "duration", c.cfg.Clock.Now().Sub(start), "error", err)
	return err
}

// sleep waits mutex_wait_time_in_secs, returning false if ctx is canceled
// first (spec §5: "Idle sleep between retries should remain cancellable in
// implementations that support it").
func (c *Controller) sleep(ctx context.Context) bool {
	d := time.Duration(c.cfg.Mutex.WaitTimeSeconds) * time.Second
	select {
	case <-ctx.Done():
		return false
	case <-c.cfg.Clock.After(d):
		return true
	}
}

// String renders a compact, log-friendly summary, mirroring
// SpannerMutex.__str__ in the Python implementation.
func (c *Controller) String() string {
	return "Controller(mutex_uuid=" + c.cfg.Mutex.MutexUUID.String() +
		", client_uuid=" + c.cfg.ClientUUID.String() +
		", client_display_name=" + c.cfg.ClientDisplayName + ")"
}
