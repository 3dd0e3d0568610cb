// Package docid generates document ids: millisecond timestamps that never
// repeat or go backwards within one generator.
package docid

import (
	"sync"
	"time"
)

// Generator hands out strictly increasing ids.
type Generator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// New returns a generator whose ids are all greater than seed. Seed it with
// the highest id already in the index.
func New(seed int64) *Generator {
	return &Generator{last: seed, now: time.Now}
}

// Next returns the current time in milliseconds, or last+1 when the clock has
// not moved past the previous id.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.now().UnixMilli()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}
