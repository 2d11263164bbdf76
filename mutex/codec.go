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

import "github.com/fgka/go-spanner-mutex/trs"

// toRow is the Mutex State Codec's encode half (spec §2 item 3). The TRS is
// always the one to stamp UpdateTimeUTC (via spanner.CommitTimestamp), so the
// value carried here is never read back by the caller of ConditionalUpsert;
// it exists only because trs.Row is a plain struct.
func (s *State) toRow() trs.Row {
	return trs.Row{
		UUID:                    s.UUID,
		DisplayName:             s.DisplayName,
		Status:                  string(s.Status),
		UpdateTimeUTC:           s.UpdateTimeUTC,
		UpdateClientUUID:        s.UpdateClientUUID,
		UpdateClientDisplayName: s.UpdateClientDisplayName,
	}
}

// stateFromRow is the decode half. A nil row decodes to a nil state,
// matching "row absent" semantics throughout the controller and decision
// engine.
func stateFromRow(row *trs.Row) (*State, error) {
	if row == nil {
		return nil, nil
	}
	status, err := parseStatus(row.Status)
	if err != nil {
		return nil, err
	}
	return &State{
		UUID:                    row.UUID,
		DisplayName:             row.DisplayName,
		Status:                  status,
		UpdateTimeUTC:           row.UpdateTimeUTC,
		UpdateClientUUID:        row.UpdateClientUUID,
		UpdateClientDisplayName: row.UpdateClientDisplayName,
	}, nil
}
