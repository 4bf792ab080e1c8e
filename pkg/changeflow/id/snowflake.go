// Package id generates time-ordered int64 identifiers for events.
package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init sets the snowflake node for this process. It must be called before the
// first New when more than one process writes to a shared event store.
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// New returns a new monotonic ID. Without Init it uses node 0.
func New() int64 {
	mu.Lock()
	if node == nil {
		// Node 0 is always within range.
		node, _ = snowflake.NewNode(0)
	}
	n := node
	mu.Unlock()
	return n.Generate().Int64()
}
