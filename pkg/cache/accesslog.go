package cache

import (
	"sort"
	"sync"
	"time"
)

// AccessLogEntry records one read-path access. The log feeds hot-entity
// ranking only; it is never on a correctness-critical path.
type AccessLogEntry struct {
	At        time.Time
	EntityIDs []string
	DateRange string
}

// accessLog is a fixed-size ring of the most recent accesses. Appends
// overwrite the oldest entry once the ring is full.
type accessLog struct {
	mu      sync.Mutex
	entries []AccessLogEntry
	next    int
	filled  int
}

func newAccessLog(size int) *accessLog {
	if size <= 0 {
		size = 1000
	}
	return &accessLog{entries: make([]AccessLogEntry, size)}
}

func (l *accessLog) append(entry AccessLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.filled < len(l.entries) {
		l.filled++
	}
}

// snapshot copies the retained entries. Order is unspecified; consumers only
// count frequencies.
func (l *accessLog) snapshot() []AccessLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AccessLogEntry, l.filled)
	copy(out, l.entries[:l.filled])
	return out
}

func (l *accessLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filled
}

// rankEntities returns the topN most frequent entity IDs in the retained
// window, most frequent first. Ties break on entity ID so the ranking is
// deterministic.
func rankEntities(entries []AccessLogEntry, topN int) []string {
	if topN <= 0 || len(entries) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, entry := range entries {
		for _, id := range entry.EntityIDs {
			counts[id]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})

	if len(ids) > topN {
		ids = ids[:topN]
	}
	return ids
}
