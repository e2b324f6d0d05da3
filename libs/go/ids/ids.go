// Package ids issues time-ordered int64 identifiers for domain events.
package ids

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Generator issues snowflake ids from a single node.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator returns a generator for nodeID (0-1023). Each running process needs its own node id.
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// Next returns a new globally unique id.
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}

var (
	defaultGen  *Generator
	defaultOnce sync.Once
	defaultErr  error
)

// Init configures the package-level generator. Only the first call has effect.
func Init(nodeID int64) error {
	defaultOnce.Do(func() {
		defaultGen, defaultErr = NewGenerator(nodeID)
	})
	return defaultErr
}

// New returns an id from the package-level generator. Init must have succeeded.
func New() int64 {
	return defaultGen.Next()
}
