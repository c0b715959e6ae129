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
	"strings"

	"github.com/alwitt/multiview/common"
)

// MaxCacheCapacity hard ceiling on the subscription cache capacity
const MaxCacheCapacity = 10

// SubscriptionCache fixed capacity LRU ranking of MSIs, most recently promoted first.
//
// Not safe for concurrent use; SubscriptionManager guards it with the session lock.
type SubscriptionCache struct {
	entries  []MSI
	capacity int
}

// NewSubscriptionCache define a new SubscriptionCache
func NewSubscriptionCache(capacity int) (*SubscriptionCache, error) {
	if capacity > MaxCacheCapacity {
		return nil, fmt.Errorf(
			"%w: cache capacity %d, max value is %d",
			common.ErrCapacityTooLarge,
			capacity,
			MaxCacheCapacity,
		)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be at least 1, got %d", capacity)
	}
	return &SubscriptionCache{entries: make([]MSI, 0, capacity), capacity: capacity}, nil
}

// Insert promote an MSI to the front of the cache.
//
// When the MSI is new and the cache is full, the least recently promoted entry is evicted
// and returned.
func (c *SubscriptionCache) Insert(msi MSI) (MSI, bool) {
	if len(c.entries) > 0 && c.entries[0] == msi {
		return 0, false
	}
	var evicted MSI
	didEvict := false
	idx := c.indexOf(msi)
	switch {
	case idx >= 0:
	case len(c.entries) < c.capacity:
		c.entries = append(c.entries, msi)
		idx = len(c.entries) - 1
	default:
		idx = len(c.entries) - 1
		evicted = c.entries[idx]
		didEvict = true
	}
	copy(c.entries[1:idx+1], c.entries[:idx])
	c.entries[0] = msi
	return evicted, didEvict
}

// Remove remove an MSI from the cache
func (c *SubscriptionCache) Remove(msi MSI) bool {
	idx := c.indexOf(msi)
	if idx < 0 {
		return false
	}
	c.entries = append(c.entries[:idx], c.entries[idx+1:]...)
	return true
}

// Contains whether the MSI is in the cache
func (c *SubscriptionCache) Contains(msi MSI) bool {
	return c.indexOf(msi) >= 0
}

// Oldest the least recently promoted entry
func (c *SubscriptionCache) Oldest() (MSI, bool) {
	if len(c.entries) == 0 {
		return 0, false
	}
	return c.entries[len(c.entries)-1], true
}

// Count current occupancy
func (c *SubscriptionCache) Count() int {
	return len(c.entries)
}

// Capacity max occupancy
func (c *SubscriptionCache) Capacity() int {
	return c.capacity
}

// Entries copy of the entries, most recently promoted first
func (c *SubscriptionCache) Entries() []MSI {
	result := make([]MSI, len(c.entries))
	copy(result, c.entries)
	return result
}

// String toString function
func (c *SubscriptionCache) String() string {
	parts := make([]string, len(c.entries))
	for idx, msi := range c.entries {
		parts[idx] = fmt.Sprintf("%d", msi)
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ", "))
}

func (c *SubscriptionCache) indexOf(msi MSI) int {
	for idx, entry := range c.entries {
		if entry == msi {
			return idx
		}
	}
	return -1
}
