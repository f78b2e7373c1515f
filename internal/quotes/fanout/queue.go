package fanout

// queue is a bounded newest-wins buffer: a full queue drops its oldest entry.
// Safe for many producers and one consumer.
type queue struct {
	ch chan Update
}

func newQueue(depth int) *queue {
	if depth <= 0 {
		depth = 1
	}
	return &queue{ch: make(chan Update, depth)}
}

// push enqueues u and returns how many older entries were dropped to make room.
func (q *queue) push(u Update) (dropped int) {
	for {
		select {
		case q.ch <- u:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped++
		default:
		}
	}
}

func (q *queue) len() int { return len(q.ch) }
