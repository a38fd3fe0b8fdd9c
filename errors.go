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
	"context"
	"errors"
	"fmt"

	"github.com/disaggdb/disagg/node"
)

// ErrNotFound is the normal outcome of searching for an absent key
var ErrNotFound = errors.New("key not found")

// RemoteIOError reports a failed remote read or write, carrying the address
// and operation kind. The engine performs no automatic retry; retry policy,
// if any, belongs to the channel.
type RemoteIOError struct {
	Op   string // "read" or "write"
	Addr uint64
	Err  error
}

func (e *RemoteIOError) Error() string {
	return fmt.Sprintf("remote %s at %#x failed: %v", e.Op, e.Addr, e.Err)
}

func (e *RemoteIOError) Unwrap() error {
	return e.Err
}

// wrapRemote maps a channel failure to the engine's error surface. Context
// deadline expiry passes through untouched so callers can tell a timeout
// apart from remote I/O failure; committed remote writes are not rolled
// back.
func wrapRemote(op string, addr uint64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &RemoteIOError{Op: op, Addr: addr, Err: err}
}

// IsTimeout reports whether an operation failed because its deadline elapsed
// before the step chain completed
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCorrupt reports whether an operation failed on a record that did not
// survive structural validation
func IsCorrupt(err error) bool {
	var corrupt *node.CorruptNodeError
	return errors.As(err, &corrupt)
}
