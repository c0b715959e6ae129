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

package subscription

import (
	"fmt"

	"github.com/alwitt/multiview/common"
)

// AssignmentTable maps MSIs to the socket currently serving them. No socket is bound
// to more than one MSI. Not safe for concurrent use.
type AssignmentTable struct {
	byMSI    map[MSI]SocketID
	bySocket map[SocketID]MSI
}

// NewAssignmentTable define a new empty AssignmentTable
func NewAssignmentTable() *AssignmentTable {
	return &AssignmentTable{
		byMSI: make(map[MSI]SocketID), bySocket: make(map[SocketID]MSI),
	}
}

// Assign bind a socket to an MSI
func (t *AssignmentTable) Assign(msi MSI, socket SocketID) error {
	if current, ok := t.byMSI[msi]; ok {
		return fmt.Errorf(
			"%w: MSI %d already bound to socket %d", common.ErrInvariantViolation, msi, current,
		)
	}
	if owner, ok := t.bySocket[socket]; ok {
		return fmt.Errorf(
			"%w: socket %d already bound to MSI %d", common.ErrInvariantViolation, socket, owner,
		)
	}
	t.byMSI[msi] = socket
	t.bySocket[socket] = msi
	return nil
}

// Lookup the socket bound to an MSI
func (t *AssignmentTable) Lookup(msi MSI) (SocketID, bool) {
	socket, ok := t.byMSI[msi]
	return socket, ok
}

// Release unbind an MSI, returning the socket it held
func (t *AssignmentTable) Release(msi MSI) (SocketID, bool) {
	socket, ok := t.byMSI[msi]
	if !ok {
		return 0, false
	}
	delete(t.byMSI, msi)
	delete(t.bySocket, socket)
	return socket, true
}

// Len number of bound MSIs
func (t *AssignmentTable) Len() int {
	return len(t.byMSI)
}

// Snapshot copy of the MSI to socket mapping
func (t *AssignmentTable) Snapshot() map[MSI]SocketID {
	result := make(map[MSI]SocketID, len(t.byMSI))
	for msi, socket := range t.byMSI {
		result[msi] = socket
	}
	return result
}
