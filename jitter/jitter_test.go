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

package jitter

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

type mockInt63n func(n int64) int64

func (m mockInt63n) Int63n(n int64) int64 {
	return m(n)
}

func TestNewUniformBadSource(t *testing.T) {
	t.Parallel()

	_, err := newUniform(time.Second, nil)
	require.True(t, trace.IsBadParameter(err), err)
}

func TestNewUniformFloorAndCeiling(t *testing.T) {
	t.Parallel()

	ceiling := 10 * time.Second
	floorRNG := mockInt63n(func(n int64) int64 { return 0 })
	ceilingRNG := mockInt63n(func(n int64) int64 { return n - 1 })

	floorJitter, err := newUniform(ceiling, floorRNG)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), floorJitter())

	ceilingJitter, err := newUniform(ceiling, ceilingRNG)
	require.NoError(t, err)
	require.Equal(t, ceiling-1, ceilingJitter())
}

func TestNewUniformNonPositiveCeilingNeverCallsRNG(t *testing.T) {
	t.Parallel()

	calls := 0
	rng := mockInt63n(func(n int64) int64 {
		calls++
		return 0
	})

	zeroJitter, err := newUniform(0, rng)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), zeroJitter())
	require.Zero(t, calls)

	negJitter, err := newUniform(-time.Second, rng)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), negJitter())
	require.Zero(t, calls)
}

func TestNewUniformIsFreshEveryCall(t *testing.T) {
	t.Parallel()

	var n int64
	rng := mockInt63n(func(limit int64) int64 {
		n++
		return n % limit
	})
	j, err := newUniform(5*time.Second, rng)
	require.NoError(t, err)

	first := j()
	second := j()
	require.NotEqual(t, first, second, "jitter must be recomputed on every call")
}
