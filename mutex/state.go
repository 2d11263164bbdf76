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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Status is the lifecycle marker carried by a mutex row.
type Status string

const (
	// StatusUnknown is the zero value, used when no row exists for a mutex.
	StatusUnknown Status = ""
	// StatusStarted marks a row whose holder believes it is still running
	// the critical section.
	StatusStarted Status = "started"
	// StatusDone marks a row whose holder finished the critical section
	// without error.
	StatusDone Status = "done"
	// StatusFailed marks a row whose holder's critical section returned an
	// error.
	StatusFailed Status = "failed"
)

// parseStatus is case-insensitive, mirroring the Python implementation's
// EnumWithFromStrIgnoreCase helper (dto/mutex.py).
func parseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case string(StatusUnknown):
		return StatusUnknown, nil
	case string(StatusStarted):
		return StatusStarted, nil
	case string(StatusDone):
		return StatusDone, nil
	case string(StatusFailed):
		return StatusFailed, nil
	default:
		return StatusUnknown, trace.BadParameter("unsupported mutex status %q", s)
	}
}

// State is one row of the mutex table, keyed by UUID. It is immutable once
// constructed; the codec in codec.go is the only place that knows how to turn
// it into, or read it from, the TRS's wire representation.
type State struct {
	UUID                    uuid.UUID
	DisplayName             string
	Status                  Status
	UpdateTimeUTC           time.Time
	UpdateClientUUID        uuid.UUID
	UpdateClientDisplayName string
}

// IsStatus reports whether state (which may be absent) currently has the
// given status. A nil state is never any status.
func (s *State) IsStatus(status Status) bool {
	return s != nil && s.Status == status
}

// IsOwnedBy reports whether clientUUID is the last writer of state.
func (s *State) IsOwnedBy(clientUUID uuid.UUID) bool {
	return s != nil && s.UpdateClientUUID == clientUUID
}

// String renders a compact, log-friendly summary.
func (s *State) String() string {
	if s == nil {
		return "State(absent)"
	}
	return "State(uuid=" + s.UUID.String() +
		", display_name=" + s.DisplayName +
		", status=" + string(s.Status) +
		", update_time_utc=" + s.UpdateTimeUTC.Format(time.RFC3339Nano) +
		", update_client_uuid=" + s.UpdateClientUUID.String() +
		", update_client_display_name=" + s.UpdateClientDisplayName + ")"
}
