// Copyright 2026 The multiview Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "errors"

var (
	// ErrCapacityTooLarge a requested subscription capacity exceeds the hard ceiling
	ErrCapacityTooLarge = errors.New("requested capacity exceeds hard ceiling")
	// ErrInvariantViolation internal bookkeeping detected a logic error
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrSessionClosed the call session no longer accepts events
	ErrSessionClosed = errors.New("call session closed")
	// ErrSessionExists a call session with the same call ID is already open
	ErrSessionExists = errors.New("call session already exists")
	// ErrUnknownSession no call session is open for the call ID
	ErrUnknownSession = errors.New("unknown call session")
	// ErrProcessorStopped the task processor event loop has been stopped
	ErrProcessorStopped = errors.New("task processor stopped")
)
