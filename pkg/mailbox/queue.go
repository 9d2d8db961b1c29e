package mailbox

// queue is an intrusive circular doubly linked list. The sentinel node is the
// queue itself; new elements are linked after the sentinel and removed from
// before it, which yields FIFO order.
type queue struct {
	len     int
	next    *queue
	prev    *queue
	payload any
}

func (q *queue) init() {
	q.next = q
	q.prev = q
	q.payload = nil
	q.len = 0
}

func (q *queue) empty() bool {
	return q.next == q
}

func (q *queue) length() int {
	return q.len
}

func (q *queue) enqueue(payload any) {
	n := &queue{payload: payload}

	n.next = q.next
	n.prev = q
	q.next.prev = n
	q.next = n
	q.len++
}

// dequeue must only be called on a non-empty queue
func (q *queue) dequeue() any {
	old := q.prev
	msg := old.payload

	old.prev.next = q
	q.prev = old.prev
	old.next = nil
	old.prev = nil
	q.len--
	return msg
}

// drain removes every element in FIFO order
func (q *queue) drain() []any {
	out := make([]any, 0, q.len)
	for !q.empty() {
		out = append(out, q.dequeue())
	}
	return out
}

// moveFrom splices all elements of src so they are dequeued before the
// current contents of q, preserving src's own order. src is left empty.
func (q *queue) moveFrom(src *queue) {
	if src.empty() {
		return
	}

	src.next.prev = q.prev
	q.prev.next = src.next
	src.prev.next = q
	q.prev = src.prev

	q.len += src.len
	src.init()
}
