package queue

import "github.com/camino-travel/switchboard/pkg/models"

// queueItem wraps a waiting record with the bookkeeping container/heap needs.
// seq breaks ties between records queued within the same clock tick so
// insertion order always holds.
type queueItem struct {
	record *models.QueuedConversation
	seq    uint64
	index  int
}

// conversationHeap orders by (priority ASC, queued_at ASC, seq ASC).
type conversationHeap []*queueItem

func (h conversationHeap) Len() int { return len(h) }

func (h conversationHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.record.Priority != b.record.Priority {
		return a.record.Priority < b.record.Priority
	}
	if !a.record.QueuedAt.Equal(b.record.QueuedAt) {
		return a.record.QueuedAt.Before(b.record.QueuedAt)
	}
	return a.seq < b.seq
}

func (h conversationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *conversationHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *conversationHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// find returns the heap index of a conversation, or -1.
func (h conversationHeap) find(conversationID string) int {
	for _, item := range h {
		if item.record.ConversationID == conversationID {
			return item.index
		}
	}
	return -1
}
