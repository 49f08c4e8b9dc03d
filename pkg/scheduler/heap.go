package scheduler

import "github.com/argus-monitor/argus/pkg/checkable"

// queueItem is one scheduled dispatch. at mirrors the checkable's
// next_check at insertion time; the loop re-reads the live value on pop.
type queueItem struct {
	c     *checkable.Checkable
	at    float64
	index int
}

type checkHeap struct {
	items []*queueItem
}

func (h *checkHeap) Len() int { return len(h.items) }

func (h *checkHeap) Less(i, j int) bool { return h.items[i].at < h.items[j].at }

func (h *checkHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *checkHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *checkHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	return item
}

func (h *checkHeap) removeByName(name string) {
	kept := h.items[:0]
	for _, item := range h.items {
		if item.c.ObjectName() != name {
			kept = append(kept, item)
		} else {
			item.index = -1
		}
	}
	h.items = kept
	for i, item := range h.items {
		item.index = i
	}
	// Restore heap order after the in-place filter.
	for i := len(h.items)/2 - 1; i >= 0; i-- {
		h.down(i)
	}
}

func (h *checkHeap) down(i int) {
	for {
		left := 2*i + 1
		if left >= len(h.items) {
			return
		}
		smallest := left
		if right := left + 1; right < len(h.items) && h.Less(right, left) {
			smallest = right
		}
		if !h.Less(smallest, i) {
			return
		}
		h.Swap(i, smallest)
		i = smallest
	}
}
