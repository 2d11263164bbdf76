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
	"time"

	"github.com/google/uuid"

	"github.com/fgka/go-spanner-mutex/jitter"
)

// decisionEngine holds the pure predicates from spec §4.2. It is
// parameterized by Config and a jitter source so the acquiring client and
// the transactional predicate (trs.ConditionalUpsert's canUpsert callback)
// can evaluate the same logic consistently; see Controller for the only
// place that constructs one from live config.
type decisionEngine struct {
	cfg    *Config
	jitter jitter.Uniform
}

// newDecisionEngine builds the jitter closure over rng when non-nil,
// otherwise falls back to the process-wide generator. rng is threaded
// through from ControllerConfig.Random (spec §9's re-architecture note:
// "an injected Clock, Random, ... tests substitute fakes" — this is the
// Random half, parallel to how Clock is threaded into ControllerConfig).
func newDecisionEngine(cfg *Config, rng jitter.Source) *decisionEngine {
	ceiling := time.Duration(cfg.jitterCeilingSeconds()) * time.Second

	var j jitter.Uniform
	if rng == nil {
		j = jitter.NewUniform(ceiling)
	} else {
		var err error
		j, err = jitter.NewUniformWithSource(ceiling, rng)
		if err != nil {
			// rng is checked non-nil above, so NewUniformWithSource cannot
			// actually fail here.
			panic(err)
		}
	}

	return &decisionEngine{cfg: cfg, jitter: j}
}

// isStateStale is true iff state is absent or its update time plus the
// staleness window has already passed relative to now. This is an
// unconditional override: a stale row is ignored regardless of its status.
func (d *decisionEngine) isStateStale(state *State, now time.Time) bool {
	if state == nil {
		return true
	}
	deadline := state.UpdateTimeUTC.Add(time.Duration(d.cfg.StalenessSeconds) * time.Second)
	return deadline.Before(now)
}

// isWatermarkBreached is true iff state is absent, or now is past
// state.UpdateTimeUTC + window, where window is either just the jitter term
// (justJitter=true) or TTL+jitter (justJitter=false). The jitter is
// re-rolled on every call.
func (d *decisionEngine) isWatermarkBreached(state *State, now time.Time, justJitter bool) bool {
	if state == nil {
		return true
	}
	window := d.jitter()
	if !justJitter {
		window += time.Duration(d.cfg.TTLSeconds) * time.Second
	}
	deadline := state.UpdateTimeUTC.Add(window)
	return deadline.Before(now)
}

// shouldTryToAcquire implements spec §4.2's should_try_to_acquire: acquire
// when state is absent, or stale, or (not DONE/STARTED and TTL+jitter
// breached). A fresh DONE (work already finished) and a fresh STARTED (lease
// still alive) are never preempted by the watermark check alone — only
// staleness can reclaim those, see spec §9 Open Question 1.
func (d *decisionEngine) shouldTryToAcquire(state *State, now time.Time) bool {
	if state == nil {
		return true
	}
	if d.isStateStale(state, now) {
		return true
	}
	if state.Status == StatusDone || state.Status == StatusStarted {
		return false
	}
	return d.isWatermarkBreached(state, now, false)
}

// canUpsert is the authoritative guard evaluated inside the TRS transaction
// (spec §4.2): true when the same client is transitioning its own row to a
// different status, or when shouldTryToAcquire holds under the transaction's
// read view. current is the row read inside the transaction (possibly nil);
// candidate is the row the caller wants to write.
func (d *decisionEngine) canUpsert(current *State, candidate *State, clientUUID uuid.UUID, now time.Time) bool {
	if current.IsOwnedBy(clientUUID) && current.Status != candidate.Status {
		return true
	}
	return d.shouldTryToAcquire(current, now)
}
