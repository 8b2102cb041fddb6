package mailbox

// Queue receives drained firmware messages into a fixed pool of slots.
// It is not safe for concurrent use.
type Queue struct {
	free    []*Message
	pending []*Message
	backlog bool
}

// NewQueue returns a queue with slots preallocated messages on its free list.
func NewQueue(slots int) *Queue {
	q := &Queue{
		free: make([]*Message, 0, slots),
	}
	for i := 0; i < slots; i++ {
		q.free = append(q.free, &Message{})
	}
	return q
}

// FreeEmpty reports whether no slot is available for a new message.
func (q *Queue) FreeEmpty() bool {
	return len(q.free) == 0
}

// Free returns the number of free slots.
func (q *Queue) Free() int {
	return len(q.free)
}

// Backlog reports whether the last drain stopped with messages left in the ring.
func (q *Queue) Backlog() bool {
	return q.backlog
}

// Pending returns the number of drained messages not yet popped.
func (q *Queue) Pending() int {
	return len(q.pending)
}

// Pop removes the oldest drained message. The slot must be handed back with Release.
func (q *Queue) Pop() (*Message, bool) {
	if len(q.pending) == 0 {
		return nil, false
	}
	m := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return m, true
}

// Release returns a popped message slot to the free list.
func (q *Queue) Release(m *Message) {
	if m == nil {
		return
	}
	m.ID = 0
	m.Payload = m.Payload[:0]
	q.free = append(q.free, m)
}

func (q *Queue) take() *Message {
	m := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	return m
}

func (q *Queue) push(m *Message) {
	q.pending = append(q.pending, m)
}
