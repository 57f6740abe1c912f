package commandqueue

import (
	"context"
	"sync"
	"time"
)

const defaultDedupTTL = 5 * time.Minute

type dedupEntry struct {
	result   taskResult
	storedAt time.Time
}

// dedupCache remembers results keyed by request id so a retried submission
// within the TTL observes the outcome of the first attempt instead of
// executing the task twice.
type dedupCache struct {
	mu      sync.RWMutex
	entries map[string]dedupEntry
	ttl     time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]dedupEntry),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
	}
	go cache.sweep()
	return cache
}

func (dc *dedupCache) Stop() {
	dc.cancel()
}

func (dc *dedupCache) Get(requestID string) (taskResult, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, ok := dc.entries[requestID]
	if !ok || time.Since(entry.storedAt) > dc.ttl {
		return taskResult{}, false
	}
	return entry.result, true
}

func (dc *dedupCache) Set(requestID string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries[requestID] = dedupEntry{result: result, storedAt: time.Now()}
}

func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}

func (dc *dedupCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for requestID, entry := range dc.entries {
				if now.Sub(entry.storedAt) > dc.ttl {
					delete(dc.entries, requestID)
				}
			}
			dc.mu.Unlock()
		}
	}
}
