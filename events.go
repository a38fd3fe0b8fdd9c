// Package disagg
//
// (C) Copyright DisaggDB
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package disagg

import (
	"time"
)

// Outcome classifies how an operation finished
type Outcome int

const (
	OutcomeFound Outcome = iota
	OutcomeNotFound
	OutcomeInserted
	OutcomeUpdated
	OutcomeTimeout
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// EventType classifies observability events
type EventType int

const (
	EventOperation EventType = iota // Per-operation completion
	EventSplit                      // A node split at some level
	EventGrowRoot                   // A split propagated past the root
)

func (t EventType) String() string {
	switch t {
	case EventOperation:
		return "operation"
	case EventSplit:
		return "split"
	default:
		return "grow_root"
	}
}

// Event is delivered on the configured event channel. Operation events carry
// Op/Key/Outcome/Latency; split and grow_root events carry Level (leaf = 0)
// and the old and new node addresses. Events are produced for external
// reporting and never interpreted by the engine.
type Event struct {
	Type       EventType
	Op         string
	Key        uint64
	Outcome    Outcome
	Latency    time.Duration
	Level      int
	OldAddress uint64
	NewAddress uint64
}

// emitEvent delivers an event without ever blocking an operation on a slow
// consumer
func (db *DB) emitEvent(ev Event) {
	if db.opts.Events == nil {
		return
	}
	select {
	case db.opts.Events <- ev:
	default:
	}
}

// log sends a message to the configured log channel, dropping it if the
// consumer is behind
func (db *DB) log(msg string) {
	if db.opts.LogChannel == nil {
		return
	}
	select {
	case db.opts.LogChannel <- msg:
	default:
	}
}
