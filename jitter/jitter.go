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

// Package jitter provides the uniform-integer jitter used to desynchronize
// retry cohorts evaluating the same mutex watermark. It is modeled on
// teleport's api/utils/retryutils Jitter, narrowed to the single uniform
// distribution spec §4.2 requires (as opposed to retryutils' family of
// full/half/seventh jitters).
package jitter

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Source is the subset of *rand.Rand this package depends on. It is
// exported so callers can inject their own deterministic implementation the
// same way they inject a clockwork.Clock — spec §9's re-architecture note
// calls for "an injected Clock, Random, ... tests substitute fakes" and this
// is the Random half of that pair (see jitter_test.go's mockInt63n, itself
// modeled on retryutils' own test doubles).
type Source interface {
	Int63n(n int64) int64
}

// Uniform returns a closure computing a fresh uniformly-distributed random
// duration in [0, ceiling) on every call. A ceiling <= 0 always yields zero,
// matching the "jitter() = uniform_int[0, max(1, floor(T*5%))]" definition
// in spec §4.2 once the caller has already applied the floor(...,1).
type Uniform func() time.Duration

// NewUniform builds a Uniform jitter bounded by [0, ceiling), backed by a
// process-wide, mutex-guarded *rand.Rand. It panics only if newUniform's
// internal invariants are violated; construction never fails for
// well-formed non-negative durations.
func NewUniform(ceiling time.Duration) Uniform {
	j, err := newUniform(ceiling, globalSource())
	if err != nil {
		// newUniform only fails for a nil source, and globalSource() never
		// returns nil, so this path cannot actually fail.
		panic(err)
	}
	return j
}

// NewUniformWithSource builds a Uniform jitter bounded by [0, ceiling) over
// an explicit Source, so callers (mutex.ControllerConfig.Random in
// particular) can substitute a deterministic source in tests instead of
// always binding to the process-wide generator.
func NewUniformWithSource(ceiling time.Duration, rng Source) (Uniform, error) {
	return newUniform(ceiling, rng)
}

func newUniform(ceiling time.Duration, rng Source) (Uniform, error) {
	if rng == nil {
		return nil, trace.BadParameter("nil random source")
	}
	return func() time.Duration {
		if ceiling <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(ceiling)))
	}, nil
}

// globalSource returns a process-wide, mutex-guarded *rand.Rand. Using a
// single shared *rand.Rand instead of the package-level math/rand functions
// lets callers inject a seeded source in tests (see newUniform) while still
// being safe under the concurrent access the mutex controller exercises
// whenever multiple goroutines share a process (spec §5).
func globalSource() Source {
	return sharedSource
}

var sharedSource = &lockedSource{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}

type lockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (l *lockedSource) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Int63n(n)
}
