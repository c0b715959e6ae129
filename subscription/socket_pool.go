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

// SocketPool tracks which general purpose video sockets are free.
//
// Sockets are handed out in the order they were given at construction, and returned
// sockets are reused first. Not safe for concurrent use.
type SocketPool struct {
	free []SocketID
	// isFree maps every socket of the pool to whether it is currently free
	isFree map[SocketID]bool
}

// NewSocketPool define a new SocketPool where every socket starts out free
func NewSocketPool(sockets []SocketID) (*SocketPool, error) {
	pool := &SocketPool{
		free:   make([]SocketID, 0, len(sockets)),
		isFree: make(map[SocketID]bool, len(sockets)),
	}
	for idx := len(sockets) - 1; idx >= 0; idx-- {
		socket := sockets[idx]
		if _, ok := pool.isFree[socket]; ok {
			return nil, fmt.Errorf("duplicate socket %d in pool", socket)
		}
		pool.isFree[socket] = true
		pool.free = append(pool.free, socket)
	}
	return pool, nil
}

// TakeAny remove and return a free socket
func (p *SocketPool) TakeAny() (SocketID, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	last := len(p.free) - 1
	socket := p.free[last]
	p.free = p.free[:last]
	p.isFree[socket] = false
	return socket, true
}

// Return give a previously taken socket back to the pool
func (p *SocketPool) Return(socket SocketID) error {
	free, ok := p.isFree[socket]
	if !ok {
		return fmt.Errorf("%w: socket %d is not part of the pool", common.ErrInvariantViolation, socket)
	}
	if free {
		return fmt.Errorf("%w: socket %d is already free", common.ErrInvariantViolation, socket)
	}
	p.isFree[socket] = true
	p.free = append(p.free, socket)
	return nil
}

// Available number of free sockets
func (p *SocketPool) Available() int {
	return len(p.free)
}

// Total number of sockets in the pool
func (p *SocketPool) Total() int {
	return len(p.isFree)
}

// Free copy of the free sockets, next to be taken first
func (p *SocketPool) Free() []SocketID {
	result := make([]SocketID, 0, len(p.free))
	for idx := len(p.free) - 1; idx >= 0; idx-- {
		result = append(result, p.free[idx])
	}
	return result
}
