package sshstream

// readWaiters holds at most one parked reader per data type. A slot is owned by the reader which
// registered it: wake only signals the reader, and the reader releases the slot once it has resumed
// (or given up). This keeps a second reader from slipping in between a wake-up and the resumption of
// the first.
//
// Not concurrency-safe; protected by the session lock.
type readWaiters map[DataType]chan struct{}

func (w readWaiters) busy(dt DataType) bool { return w[dt] != nil }

// register parks a reader on dt. The returned channel receives a value when the reader should
// re-check the queue.
func (w readWaiters) register(dt DataType) (<-chan struct{}, error) {
	if w[dt] != nil {
		return nil, ErrConcurrentRead
	}
	c := make(chan struct{}, 1)
	w[dt] = c
	return c, nil
}

func (w readWaiters) wake(dt DataType) {
	if c := w[dt]; c != nil {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func (w readWaiters) wakeAll() {
	for dt := range w {
		w.wake(dt)
	}
}

func (w readWaiters) release(dt DataType) { w[dt] = nil }

// drainWaiters is the set of writers parked in Drain. Not concurrency-safe; protected by the
// session lock.
type drainWaiters map[chan struct{}]struct{}

func (w drainWaiters) add() chan struct{} {
	c := make(chan struct{})
	w[c] = struct{}{}
	return c
}

func (w drainWaiters) remove(c chan struct{}) { delete(w, c) }

func (w drainWaiters) wakeAll() {
	for c := range w {
		close(c)
		delete(w, c)
	}
}
