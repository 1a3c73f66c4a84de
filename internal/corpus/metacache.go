package corpus

import (
	"sync"
	"time"
)

// MetaCache is a TTL cache for paper metadata. Hydration happens once per
// task, so a single mutex around the map serializes writes per id.
type MetaCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int64]metaEntry
}

type metaEntry struct {
	record  PaperRecord
	expires time.Time
}

// NewMetaCache creates a metadata cache. TTL zero disables expiry.
func NewMetaCache(ttl time.Duration) *MetaCache {
	return &MetaCache{
		ttl:     ttl,
		entries: make(map[int64]metaEntry),
	}
}

// Get returns a cached record if present and unexpired.
func (m *MetaCache) Get(corpusID int64) (PaperRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[corpusID]
	if !ok {
		return PaperRecord{}, false
	}
	if m.ttl > 0 && time.Now().After(e.expires) {
		delete(m.entries, corpusID)
		return PaperRecord{}, false
	}
	return e.record, true
}

// PutAll stores records, resetting their TTL.
func (m *MetaCache) PutAll(records map[int64]PaperRecord) {
	expires := time.Now().Add(m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range records {
		m.entries[id] = metaEntry{record: rec, expires: expires}
	}
}

// Split partitions ids into cached records and ids needing a fetch.
func (m *MetaCache) Split(corpusIDs []int64) (map[int64]PaperRecord, []int64) {
	cached := make(map[int64]PaperRecord)
	var missing []int64
	for _, id := range corpusIDs {
		if rec, ok := m.Get(id); ok {
			cached[id] = rec
		} else {
			missing = append(missing, id)
		}
	}
	return cached, missing
}

// Len returns the number of live entries.
func (m *MetaCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
