package dispatch

import "sync"

// lanes runs queued work one item at a time per key, in submission order.
// Different keys run concurrently. A key's worker exits once its queue
// drains.
type lanes struct {
	mu     sync.Mutex
	queues map[string][]func()
}

func newLanes() *lanes {
	return &lanes{queues: make(map[string][]func())}
}

// run queues fn behind earlier work for key.
func (l *lanes) run(key string, fn func()) {
	l.mu.Lock()
	q, busy := l.queues[key]
	l.queues[key] = append(q, fn)
	l.mu.Unlock()
	if !busy {
		go l.drain(key)
	}
}

func (l *lanes) drain(key string) {
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		fn := q[0]
		l.queues[key] = q[1:]
		l.mu.Unlock()
		fn()
	}
}

// size reports how many keys have queued or running work.
func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}
