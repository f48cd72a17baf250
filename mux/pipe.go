package mux

import "sync"

// PipeTransport is an in-process transport half. Two halves created by
// Pipe share a pair of unbounded message queues, so a send never blocks on
// the peer's consumption rate.
type PipeTransport struct {
	send *pipeQueue
	recv *pipeQueue
}

type pipeQueue struct {
	mu     sync.Mutex
	items  [][]byte
	wake   chan struct{}
	closed bool
}

func newPipeQueue() *pipeQueue {
	return &pipeQueue{wake: make(chan struct{}, 1)}
}

func (q *pipeQueue) put(data []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, data)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *pipeQueue) take() ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			data := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return data, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *pipeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pipe returns a connected transport pair for two peers in one process.
// Used by tests and by embedders running both sides locally.
func Pipe() (*PipeTransport, *PipeTransport) {
	a := newPipeQueue()
	b := newPipeQueue()
	return &PipeTransport{send: a, recv: b}, &PipeTransport{send: b, recv: a}
}

// Send enqueues one message for the peer.
func (t *PipeTransport) Send(data []byte) error {
	return t.send.put(data)
}

// Recv dequeues the next message from the peer.
func (t *PipeTransport) Recv() ([]byte, error) {
	return t.recv.take()
}

// Close closes both directions; the peer's Recv observes ErrClosed after
// draining.
func (t *PipeTransport) Close() error {
	t.send.close()
	t.recv.close()
	return nil
}
