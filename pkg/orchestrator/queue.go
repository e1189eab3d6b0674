package orchestrator

import (
	"container/heap"
	"sync"
)

// SpeechItem is one pending utterance the agent wants to speak.
type SpeechItem struct {
	ID         int64
	Text       string
	Priority   int
	EnqueueSeq int64
}

// speechHeap orders by (-priority, enqueue_seq): higher priority first,
// ties broken FIFO by enqueue order.
type speechHeap []SpeechItem

func (h speechHeap) Len() int { return len(h) }
func (h speechHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueueSeq < h[j].EnqueueSeq
}
func (h speechHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *speechHeap) Push(x interface{}) {
	*h = append(*h, x.(SpeechItem))
}
func (h *speechHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SpeechQueue is the priority queue of pending utterances (C3). Clear is
// atomic with respect to GetNext, guarded by a single mutex.
type SpeechQueue struct {
	mu     sync.Mutex
	items  speechHeap
	nextID int64
	seq    int64
}

// NewSpeechQueue creates an empty queue.
func NewSpeechQueue() *SpeechQueue {
	q := &SpeechQueue{}
	heap.Init(&q.items)
	return q
}

// Enqueue adds text at the given priority (higher dequeues first) and
// returns its assigned id.
func (q *SpeechQueue) Enqueue(text string, priority int) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	q.seq++
	item := SpeechItem{ID: q.nextID, Text: text, Priority: priority, EnqueueSeq: q.seq}
	heap.Push(&q.items, item)
	return item.ID
}

// GetNext pops the highest-priority item, or ok=false if the queue is empty.
func (q *SpeechQueue) GetNext() (SpeechItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return SpeechItem{}, false
	}
	item := heap.Pop(&q.items).(SpeechItem)
	return item, true
}

// Clear empties the queue atomically with respect to GetNext.
func (q *SpeechQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}

// Len reports the number of pending items.
func (q *SpeechQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
