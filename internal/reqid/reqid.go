// Package reqid generates correlation ids for server-initiated JSON-RPC
// requests. Ids must be unique process-wide and safe to mint from many
// request-handling goroutines at once, so the generator is a single atomic
// counter behind a per-process random prefix. The prefix keeps ids from two
// server processes sharing a client from ever colliding.
package reqid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator mints process-wide unique, monotonically ordered request ids.
// The zero value is not usable; construct with New.
type Generator struct {
	prefix  string
	counter atomic.Uint64
}

// New constructs a Generator with a fresh per-process prefix.
func New() *Generator {
	return &Generator{prefix: uuid.NewString()[:8]}
}

// Next returns the next id. Safe for concurrent use from independent OS
// threads; ids issued by one Generator are strictly ordered by their counter
// component.
func (g *Generator) Next() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.counter.Add(1))
}
