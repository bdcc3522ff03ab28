package piece

import (
	"container/heap"

	"btclient/internal/btcore"
)

// RarityQueue is a priority queue keyed by priority (peers_count)
// ascending, ties broken by key (segment id) ascending. A duplicate
// Push of a key replaces the prior entry via lazy tombstone removal.
// It is not internally synchronized — the torrent downloader's rarity
// map owns a mutex around it.
type RarityQueue struct {
	h     itemHeap
	index map[int]*queueItem
}

type queueItem struct {
	priority int
	key      int
	index    int
	stale    bool
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].key < h[j].key
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// NewRarityQueue constructs an empty queue.
func NewRarityQueue() *RarityQueue {
	return &RarityQueue{index: make(map[int]*queueItem)}
}

// Push inserts or updates key's priority. A second Push for the same
// key replaces the first (the old entry is tombstoned, not removed
// from the heap immediately).
func (q *RarityQueue) Push(priority, key int) {
	if old, ok := q.index[key]; ok {
		old.stale = true
	}
	it := &queueItem{priority: priority, key: key}
	q.index[key] = it
	heap.Push(&q.h, it)
}

// Remove drops key from the queue, if present.
func (q *RarityQueue) Remove(key int) {
	if old, ok := q.index[key]; ok {
		old.stale = true
		delete(q.index, key)
	}
}

// Pop returns the lowest-priority (ties broken by lowest key) live
// entry. It returns btcore.ErrQueueEmpty if the queue holds no live
// entries.
func (q *RarityQueue) Pop() (priority, key int, err error) {
	for q.h.Len() > 0 {
		it := heap.Pop(&q.h).(*queueItem)
		if it.stale {
			continue
		}
		delete(q.index, it.key)
		return it.priority, it.key, nil
	}
	return 0, 0, btcore.ErrQueueEmpty
}

// Len returns the number of live (non-tombstoned) entries.
func (q *RarityQueue) Len() int {
	return len(q.index)
}
