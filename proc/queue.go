package proc

// Queue is a FIFO of track links. It is not safe for concurrent use; a
// Session only touches its queue from the session goroutine.
type Queue struct {
	items []string
}

func (q *Queue) Enqueue(link string) int {
	q.items = append(q.items, link)
	return len(q.items)
}

func (q *Queue) Peek() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0], true
}

func (q *Queue) Pop() (string, error) {
	if len(q.items) == 0 {
		return "", ErrQueueEmpty
	}
	link := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return link, nil
}

// Clear drops every pending link and reports how many were removed.
func (q *Queue) Clear() int {
	n := len(q.items)
	q.items = nil
	return n
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) Snapshot() []string {
	out := make([]string, len(q.items))
	copy(out, q.items)
	return out
}
