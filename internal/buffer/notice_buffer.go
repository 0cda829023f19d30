package buffer

import (
	"sort"
	"sync"

	v1 "integrahub/pkg/api/v1"
)

// NoticeBuffer is a fixed-size ring of recent delivery notices ordered by Seq.
// Reconnecting dashboards use it to catch up on what they missed.
type NoticeBuffer struct {
	mu      sync.RWMutex
	notices []v1.DeliveryNotice
	size    int
	head    int
	isFull  bool
}

func NewNoticeBuffer(size int) *NoticeBuffer {
	if size <= 0 {
		size = 1000
	}
	return &NoticeBuffer{
		notices: make([]v1.DeliveryNotice, size),
		size:    size,
	}
}

func (b *NoticeBuffer) Add(n v1.DeliveryNotice) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.notices[b.head] = n
	b.head = (b.head + 1) % b.size
	if b.head == 0 {
		b.isFull = true
	}
}

// GetSince returns notices with Seq > lastSeq. ok is false when lastSeq has
// already been evicted and the caller must reload the dashboard snapshot.
func (b *NoticeBuffer) GetSince(lastSeq int64) ([]v1.DeliveryNotice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.head
	start := 0
	if b.isFull {
		count = b.size
		start = b.head
	}

	if count == 0 {
		return nil, true
	}

	oldest := b.notices[start].Seq
	if lastSeq < oldest-1 {
		return nil, false
	}

	// logical index i lives at (start + i) % size
	idx := sort.Search(count, func(i int) bool {
		return b.notices[(start+i)%b.size].Seq > lastSeq
	})
	if idx == count {
		return nil, true
	}

	result := make([]v1.DeliveryNotice, 0, count-idx)
	for i := idx; i < count; i++ {
		result = append(result, b.notices[(start+i)%b.size])
	}
	return result, true
}

// Latest returns the highest Seq held, or 0 when empty.
func (b *NoticeBuffer) Latest() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.head == 0 && !b.isFull {
		return 0
	}
	return b.notices[(b.head-1+b.size)%b.size].Seq
}
