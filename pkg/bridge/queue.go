package bridge

import "container/list"

type entry struct {
	id    string
	value float64
}

// pendingQueue is an ordered map of hardware id to latest value. Order is
// recency: a re-queued id moves to the back.
type pendingQueue struct {
	order *list.List
	index map[string]*list.Element
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{order: list.New(), index: make(map[string]*list.Element)}
}

func (q *pendingQueue) Len() int { return q.order.Len() }

// Set upserts id and moves it to the back.
func (q *pendingQueue) Set(id string, v float64) {
	if el, ok := q.index[id]; ok {
		el.Value.(*entry).value = v
		q.order.MoveToBack(el)
		return
	}
	q.index[id] = q.order.PushBack(&entry{id: id, value: v})
}

func (q *pendingQueue) Get(id string) (float64, bool) {
	el, ok := q.index[id]
	if !ok {
		return 0, false
	}
	return el.Value.(*entry).value, true
}

func (q *pendingQueue) Remove(id string) {
	if el, ok := q.index[id]; ok {
		q.order.Remove(el)
		delete(q.index, id)
	}
}

// PopLast removes and returns the most recently touched entry.
func (q *pendingQueue) PopLast() (entry, bool) {
	el := q.order.Back()
	if el == nil {
		return entry{}, false
	}
	e := q.order.Remove(el).(*entry)
	delete(q.index, e.id)
	return *e, true
}

// Drain returns all entries oldest first and empties the queue.
func (q *pendingQueue) Drain() []entry {
	out := make([]entry, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*entry))
	}
	q.Clear()
	return out
}

func (q *pendingQueue) Clear() {
	q.order.Init()
	q.index = make(map[string]*list.Element)
}
