/*
Copyright 2023 The KCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cel

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"k8s.io/utils/clock"
)

const defaultCacheSize = 256

// programCache is an LRU cache of compiled selector programs.
type programCache struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	entries map[string]*cacheEntry
	maxSize int
}

type cacheEntry struct {
	selector *NodeSelector
	lastUsed int64
	useCount int64
}

func newProgramCache(maxSize int, clk clock.PassiveClock) *programCache {
	return &programCache{
		clock:   clk,
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
	}
}

func (c *programCache) get(hash string) (*NodeSelector, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[hash]
	if !ok {
		return nil, false
	}
	entry.lastUsed = c.clock.Now().UnixNano()
	entry.useCount++
	return entry.selector, true
}

func (c *programCache) set(hash string, selector *NodeSelector) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[hash]; !exists && len(c.entries) >= c.maxSize {
		c.evictLRU()
	}
	c.entries[hash] = &cacheEntry{
		selector: selector,
		lastUsed: c.clock.Now().UnixNano(),
		useCount: 1,
	}
}

func (c *programCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLRU evicts the least recently used entry from the cache. Entries
// last used at the same time are evicted by fewest uses, then by hash.
func (c *programCache) evictLRU() {
	var (
		oldestHash string
		oldest     *cacheEntry
	)
	for hash, entry := range c.entries {
		if oldest == nil || evictsBefore(entry, hash, oldest, oldestHash) {
			oldestHash = hash
			oldest = entry
		}
	}
	if oldest != nil {
		delete(c.entries, oldestHash)
	}
}

func evictsBefore(a *cacheEntry, aHash string, b *cacheEntry, bHash string) bool {
	if a.lastUsed != b.lastUsed {
		return a.lastUsed < b.lastUsed
	}
	if a.useCount != b.useCount {
		return a.useCount < b.useCount
	}
	return aHash < bHash
}

// hashExpression creates a hash of the expression string for cache keys.
func hashExpression(expr string) string {
	hash := sha256.Sum256([]byte(expr))
	return fmt.Sprintf("%x", hash)
}
