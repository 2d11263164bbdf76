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
	"github.com/google/uuid"
)

const (
	// MinTTLSeconds is the minimum lease length accepted for mutex_ttl_in_secs.
	MinTTLSeconds = 10
	// DefaultTTLSeconds is applied when mutex_ttl_in_secs is zero.
	DefaultTTLSeconds = 5 * 60
	// MinWaitTimeSeconds is the minimum retry-cycle sleep.
	MinWaitTimeSeconds = 1
	// DefaultWaitTimeSeconds is applied when mutex_wait_time_in_secs is zero.
	DefaultWaitTimeSeconds = 10
	// MinStalenessSeconds must exceed MinTTLSeconds.
	MinStalenessSeconds = MinTTLSeconds + 1
	// DefaultStalenessSeconds is applied when mutex_staleness_in_secs is zero.
	DefaultStalenessSeconds = 2 * DefaultTTLSeconds
	// MinMaxRetries is the minimum retry cap for Controller.Start.
	MinMaxRetries = 5
	// DefaultMaxRetries is applied when mutex_max_retries is zero.
	DefaultMaxRetries = 50

	// jitterPercent is the fraction of the TTL used to desynchronize retry
	// cohorts, see Config.jitterCeilingSeconds.
	jitterPercent = 0.05
)

// Config is the immutable configuration of a mutex, shared by every client
// that arbitrates over the same MutexUUID. Construct with CheckAndSetDefaults
// to apply defaults and validate the staleness invariant, matching the
// teleport convention (e.g. backend.LockConfiguration.CheckAndSetDefaults).
type Config struct {
	// MutexUUID is the primary key of the mutex row. Required, identical
	// across every client arbitrating this mutex.
	MutexUUID uuid.UUID
	// InstanceID, DatabaseID, TableID are the TRS coordinates of the mutex
	// table. Required, non-empty.
	InstanceID string
	DatabaseID string
	TableID    string
	// ProjectID is the TRS tenant. In emulator mode the Spanner adapter
	// ignores it and uses a fixed placeholder project; otherwise it is
	// required, and an empty value makes SpannerAdapterFactory.Connect fail
	// with a BadParameter error. No project is taken from the environment or
	// from application-default credentials.
	ProjectID string
	// DisplayName is cosmetic only; defaults to MutexUUID's string form.
	DisplayName string

	// TTLSeconds is the lease length granted to the holder. Must be >=
	// MinTTLSeconds.
	TTLSeconds int
	// WaitTimeSeconds is the sleep between retry cycles in Controller.Start.
	// Must be >= MinWaitTimeSeconds.
	WaitTimeSeconds int
	// StalenessSeconds is the horizon after which any state, regardless of
	// status, is considered abandoned. Must be >= MinStalenessSeconds and
	// strictly greater than max(TTLSeconds, MaxRetries*WaitTimeSeconds).
	StalenessSeconds int
	// MaxRetries caps the number of acquisition cycles Controller.Start will
	// attempt. Must be >= MinMaxRetries.
	MaxRetries int
}

// CheckAndSetDefaults validates c and fills in zero-valued optional fields.
// It returns a ConfigError (trace.BadParameter) when the staleness invariant
// described in spec §3 cannot be satisfied, or when a required field is
// missing.
func (c *Config) CheckAndSetDefaults() error {
	if c.MutexUUID == uuid.Nil {
		return NewConfigError("missing MutexUUID")
	}
	if c.InstanceID == "" {
		return NewConfigError("missing InstanceID")
	}
	if c.DatabaseID == "" {
		return NewConfigError("missing DatabaseID")
	}
	if c.TableID == "" {
		return NewConfigError("missing TableID")
	}
	if c.DisplayName == "" {
		c.DisplayName = c.MutexUUID.String()
	}

	if c.TTLSeconds == 0 {
		c.TTLSeconds = DefaultTTLSeconds
	}
	if c.TTLSeconds < MinTTLSeconds {
		return NewConfigError("TTLSeconds %d is below the minimum of %d", c.TTLSeconds, MinTTLSeconds)
	}

	if c.WaitTimeSeconds == 0 {
		c.WaitTimeSeconds = DefaultWaitTimeSeconds
	}
	if c.WaitTimeSeconds < MinWaitTimeSeconds {
		return NewConfigError("WaitTimeSeconds %d is below the minimum of %d", c.WaitTimeSeconds, MinWaitTimeSeconds)
	}

	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxRetries < MinMaxRetries {
		return NewConfigError("MaxRetries %d is below the minimum of %d", c.MaxRetries, MinMaxRetries)
	}

	if c.StalenessSeconds == 0 {
		c.StalenessSeconds = DefaultStalenessSeconds
	}
	if c.StalenessSeconds < MinStalenessSeconds {
		return NewConfigError("StalenessSeconds %d is below the minimum of %d", c.StalenessSeconds, MinStalenessSeconds)
	}

	maxRetriesTime := c.MaxRetries * c.WaitTimeSeconds
	maxActiveTime := c.TTLSeconds
	if maxRetriesTime > maxActiveTime {
		maxActiveTime = maxRetriesTime
	}
	if c.StalenessSeconds <= maxActiveTime {
		return NewConfigError(
			"StalenessSeconds (%d) must be strictly greater than max(TTLSeconds=%d, MaxRetries*WaitTimeSeconds=%d)",
			c.StalenessSeconds, c.TTLSeconds, maxRetriesTime,
		)
	}
	return nil
}

// jitterCeilingSeconds is floor(TTLSeconds * 5%), with a floor of 1, per
// spec §4.2's J%=5% definition.
func (c *Config) jitterCeilingSeconds() int {
	ceiling := int(float64(c.TTLSeconds) * jitterPercent)
	if ceiling < 1 {
		ceiling = 1
	}
	return ceiling
}
