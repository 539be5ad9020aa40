package hostloop

import "sync"

// chunkSize is the number of tasks per node in the ingress linked list.
// 128 closures plus overhead is about 1KB per chunk.
const chunkSize = 128

// ingressQueue is a chunked linked-list queue for task submission.
//
// Thread safety: NOT thread-safe; the Loop guards it with its ingress
// mutex. Fixed-size chunks give cache locality and amortize allocations,
// and sync.Pool recycling keeps sustained throughput off the GC.
type ingressQueue struct {
	head   *chunk
	tail   *chunk
	length int
}

type chunk struct {
	tasks   [chunkSize]func()
	next    *chunk
	readPos int
	pos     int
}

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears task slots before pooling so closures don't leak via
// retained references.
func returnChunk(c *chunk) {
	for i := c.readPos; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// push adds a task to the queue.
func (q *ingressQueue) push(task func()) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		next := newChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

// pop removes and returns a task, or false if the queue is empty.
func (q *ingressQueue) pop() (func(), bool) {
	if q.head == nil {
		return nil, false
	}
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return nil, false
		}
		old := q.head
		q.head = q.head.next
		returnChunk(old)
	}
	if q.head.readPos >= q.head.pos {
		return nil, false
	}
	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--
	return task, true
}

// len returns the number of queued tasks.
func (q *ingressQueue) len() int {
	return q.length
}
