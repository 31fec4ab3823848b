package matching

import (
	"log"
	"time"

	"github.com/taschat/signaling/internal/registry"
)

const cleanupInterval = 5 * time.Second

// cleanStaleEntries removes queue entries whose connection is no longer
// registered or no longer searching. It runs on the matcher goroutine.
func (m *Matcher) cleanStaleEntries() {
	removed := 0
	for _, e := range m.queue.Entries() {
		c, ok := m.reg.Lookup(e.ConnectionID)
		if ok && c.State == registry.StateSearching {
			continue
		}
		if m.queue.Dequeue(e.ConnectionID) {
			removed++
		}
	}

	if removed > 0 {
		m.updateSize()
		log.Printf("[matcher] cleanup: removed %d stale entries", removed)
	}
}
