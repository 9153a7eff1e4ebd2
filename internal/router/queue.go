package router

import (
	"container/heap"

	"github.com/terrafield/relay/internal/protocol"
)

// queueItem pairs an envelope with its arrival sequence number so ties
// within a priority class dispatch in arrival order.
type queueItem struct {
	env *protocol.Envelope
	seq uint64
}

// priorityQueue orders envelopes by priority descending, then by arrival.
type priorityQueue []queueItem

func (q priorityQueue) Len() int { return len(q) }

func (q priorityQueue) Less(i, j int) bool {
	if q[i].env.Priority != q[j].env.Priority {
		return q[i].env.Priority > q[j].env.Priority
	}
	return q[i].seq < q[j].seq
}

func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *priorityQueue) Push(x interface{}) {
	*q = append(*q, x.(queueItem))
}

func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

var _ heap.Interface = (*priorityQueue)(nil)
