package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Item is a hook log waiting for an attempt no earlier than NotBefore
type Item struct {
	LogID     uuid.UUID
	HookID    uuid.UUID
	NotBefore time.Time
}

// Queue holds pending attempts ordered by due time. Pushing a log that is
// already queued replaces its due time.
type Queue interface {
	Push(ctx context.Context, item Item) error
	// PopDue removes and returns the earliest item due at now, or nil
	PopDue(ctx context.Context, now time.Time) (*Item, error)
	// RemoveHook drops every queued item of a hook
	RemoveHook(ctx context.Context, hookID uuid.UUID) (int, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is a process-local Queue used when Redis is not configured
type MemoryQueue struct {
	mu    sync.Mutex
	items itemHeap
	index map[uuid.UUID]*heapEntry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{index: map[uuid.UUID]*heapEntry{}}
}

func (q *MemoryQueue) Push(_ context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.index[item.LogID]; ok {
		e.item = item
		heap.Fix(&q.items, e.pos)
		return nil
	}
	e := &heapEntry{item: item}
	heap.Push(&q.items, e)
	q.index[item.LogID] = e
	return nil
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.items[0].item.NotBefore.After(now) {
		return nil, nil
	}
	e := heap.Pop(&q.items).(*heapEntry)
	delete(q.index, e.item.LogID)
	item := e.item
	return &item, nil
}

func (q *MemoryQueue) RemoveHook(_ context.Context, hookID uuid.UUID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, e := range q.items {
		if e.item.HookID == hookID {
			delete(q.index, e.item.LogID)
			removed++
			continue
		}
		e.pos = len(kept)
		kept = append(kept, e)
	}
	q.items = kept
	heap.Init(&q.items)
	return removed, nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

type heapEntry struct {
	item Item
	pos  int
}

type itemHeap []*heapEntry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	return h[i].item.NotBefore.Before(h[j].item.NotBefore)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *itemHeap) Push(x any) {
	e := x.(*heapEntry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

var _ Queue = (*MemoryQueue)(nil)
