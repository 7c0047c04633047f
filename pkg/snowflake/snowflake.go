// Package snowflake generates roughly time-ordered 63-bit ids that are
// unique across gateway nodes. Gateways use them to name connections.
package snowflake

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

// ID is a generated identifier.
type ID int64

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Node returns the node number embedded in the id.
func (id ID) Node() int64 {
	return (int64(id) >> nodeShift) & nodeMax
}

// Time returns the millisecond the id was generated in.
func (id ID) Time() time.Time {
	return time.UnixMilli((int64(id) >> timeShift) + epoch)
}

type Node struct {
	mu   sync.Mutex
	last int64
	node int64
	step int64
	now  func() int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, fmt.Errorf("node number %d out of range 0..%d", node, nodeMax)
	}
	return &Node{node: node, now: func() int64 { return time.Now().UnixMilli() }}, nil
}

// ID reports the node number.
func (n *Node) ID() int64 {
	return n.node
}

func (n *Node) Generate() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.last {
		// Clock went backwards; keep issuing from the last seen millisecond.
		now = n.last
	}

	if now == n.last {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.last {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}
	n.last = now

	return ID(((now - epoch) << timeShift) | (n.node << nodeShift) | n.step)
}
