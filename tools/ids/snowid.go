package ids

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
	tsMask   = 1<<41 - 1
)

// Epoch of every id handed out by this package.
var Epoch = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

// Node hands out 63 bit time ordered ids: 41 bits of milliseconds since
// Epoch, 10 bits of node id and a 12 bit per-millisecond sequence.
type Node struct {
	mu     sync.Mutex
	node   int64
	seq    int64
	lastMS int64
	now    func() time.Time
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("node id %d out of range [0,%d]", node, maxNode)
	}
	return &Node{node: node, now: time.Now}, nil
}

func (n *Node) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ms := n.now().Sub(Epoch).Milliseconds()
	if ms < n.lastMS {
		// clock moved backwards; keep issuing from the last seen millisecond
		ms = n.lastMS
	}
	if ms == n.lastMS {
		n.seq = (n.seq + 1) & seqMask
		if n.seq == 0 {
			for ms <= n.lastMS {
				time.Sleep(100 * time.Microsecond)
				ms = n.now().Sub(Epoch).Milliseconds()
			}
		}
	} else {
		n.seq = 0
	}
	n.lastMS = ms
	return (ms&tsMask)<<(nodeBits+seqBits) | n.node<<seqBits | n.seq
}

func (n *Node) NextString() string {
	return strconv.FormatInt(n.Next(), 10)
}

var (
	defaultMu   sync.RWMutex
	defaultNode = &Node{node: 1, now: time.Now}
)

// SetNodeID replaces the process default node. Call once from main.
func SetNodeID(node int64) error {
	n, err := NewNode(node)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultNode = n
	defaultMu.Unlock()
	return nil
}

func Generate() int64 {
	defaultMu.RLock()
	n := defaultNode
	defaultMu.RUnlock()
	return n.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}
