package utils

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ReferenceGenerator produces globally unique, sortable transaction
// references. ULIDs keep references URL-safe and roughly time-ordered, which
// makes support lookups against provider dashboards easier.
type ReferenceGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	prefix  string
}

func NewReferenceGenerator(prefix string) *ReferenceGenerator {
	return &ReferenceGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		prefix:  prefix,
	}
}

// Next returns a fresh reference, e.g. "EXC-01JD2W3Q9GZ2C0YX6M5A8T4K7N".
func (g *ReferenceGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	if g.prefix == "" {
		return id.String()
	}
	return g.prefix + "-" + id.String()
}
