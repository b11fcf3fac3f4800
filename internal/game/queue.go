package game

import "sync"

// queueNode is a handle into a playerQueue. Nodes stay valid after removal
// so callers iterating a snapshot can skip entries that left meanwhile.
type queueNode struct {
	player *Player
	prev   *queueNode
	next   *queueNode
	linked bool
}

// playerQueue is a FIFO of distinct players with O(1) membership checks and
// node removal. Safe for concurrent use.
type playerQueue struct {
	mu    sync.RWMutex
	head  *queueNode
	tail  *queueNode
	index map[*Player]*queueNode
}

func newPlayerQueue() *playerQueue {
	return &playerQueue{index: make(map[*Player]*queueNode)}
}

// Enqueue appends p, refusing duplicates.
func (q *playerQueue) Enqueue(p *Player) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[p]; ok {
		return false
	}
	n := &queueNode{player: p, linked: true}
	if q.tail == nil {
		q.head = n
		q.tail = n
	} else {
		n.prev = q.tail
		q.tail.next = n
		q.tail = n
	}
	q.index[p] = n
	return true
}

// TryRemove unlinks p's node when present.
func (q *playerQueue) TryRemove(p *Player) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.index[p]
	if !ok {
		return false
	}
	q.unlink(n)
	return true
}

// RemoveNode unlinks n only while it is still part of the queue. Safe to
// call with a node from an older snapshot whose player already left.
func (q *playerQueue) RemoveNode(n *queueNode) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !n.linked {
		return false
	}
	q.unlink(n)
	return true
}

func (q *playerQueue) unlink(n *queueNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	n.linked = false
	delete(q.index, n.player)
}

func (q *playerQueue) Contains(p *Player) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.index[p]
	return ok
}

func (q *playerQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.index)
}

// Players returns the queued players in arrival order.
func (q *playerQueue) Players() []*Player {
	q.mu.RLock()
	defer q.mu.RUnlock()
	players := make([]*Player, 0, len(q.index))
	for n := q.head; n != nil; n = n.next {
		players = append(players, n.player)
	}
	return players
}

// Snapshot returns the node handles in arrival order. A node whose player
// leaves after the snapshot is harmless to revisit: membership is always
// re-checked through the index.
func (q *playerQueue) Snapshot() []*queueNode {
	q.mu.RLock()
	defer q.mu.RUnlock()
	nodes := make([]*queueNode, 0, len(q.index))
	for n := q.head; n != nil; n = n.next {
		nodes = append(nodes, n)
	}
	return nodes
}
