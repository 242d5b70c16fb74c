package scheduler

import "time"

// stepTimer is one pending fire: the step of a run that becomes due at dueAt.
type stepTimer struct {
	runID     string
	stepIndex int
	dueAt     time.Time
}

// timerHeap is a min-heap of pending fires ordered by (dueAt, runID,
// stepIndex) so ties break deterministically.
type timerHeap []stepTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].dueAt.Before(h[j].dueAt)
	}
	if h[i].runID != h[j].runID {
		return h[i].runID < h[j].runID
	}
	return h[i].stepIndex < h[j].stepIndex
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(stepTimer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
