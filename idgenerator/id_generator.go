// Package idgenerator hands out session identifiers.
package idgenerator

import "sync/atomic"

// Generator returns increasing uint64 IDs and is safe for concurrent use. Zero
// is never returned until the counter wraps, so it can mean "no id".
type Generator struct {
	last atomic.Uint64
}

// New creates a Generator whose first Next returns start+1.
//
// Parameters:
//   - start: The value the counter starts from
//
// Returns:
//   - A new Generator
func New(start uint64) *Generator {
	g := &Generator{}
	g.last.Store(start)
	return g
}

// Next returns the next ID.
func (g *Generator) Next() uint64 {
	return g.last.Add(1)
}

// Last returns the most recently issued ID, or the start value if none was
// issued yet.
func (g *Generator) Last() uint64 {
	return g.last.Load()
}
