package server

import (
	"fmt"
	"sync/atomic"
)

// connIDGenerator produces process-unique connection ids for log
// correlation. They never appear on the wire.
type connIDGenerator struct {
	counter atomic.Int64
	prefix  string
}

func newConnIDGenerator(prefix string) *connIDGenerator {
	return &connIDGenerator{prefix: prefix}
}

// Next returns the next id, e.g. "conn-7".
func (g *connIDGenerator) Next() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.counter.Add(1))
}
