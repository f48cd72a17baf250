// Package mux demultiplexes one physical byte channel into many logical
// (caller-frame, callee-frame) channels. Each logical channel is an
// unbounded queue; queues are created lazily on first send or receive so a
// message arriving before its listener registers is never dropped.
package mux

import (
	"context"
	"errors"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/farlink/farlink/wire"
)

// ErrClosed is returned when the multiplexer or its transport has shut
// down. Every queue blocked on Pop observes it, which is how pending
// requests learn about transport loss.
var ErrClosed = errors.New("mux: channel closed")

// Transport is an ordered, bidirectional byte channel between two peers.
// Send and Recv must each be safe for use by one goroutine; the mux
// serializes sends itself.
type Transport interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Queue is the unbounded receive queue for one logical channel.
type Queue struct {
	mu     sync.Mutex
	items  []*wire.Envelope
	wake   chan struct{}
	closed bool
}

func newQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

func (q *Queue) push(e *wire.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop returns the next envelope in arrival order. It blocks until an item
// arrives, the queue closes (ErrClosed), or the context is done. A closed
// queue drains remaining items before reporting ErrClosed.
func (q *Queue) Pop(ctx context.Context) (*wire.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Mux owns one transport and fans incoming envelopes out to per-channel
// queues. Channels the peer opens (no local listener yet) are announced on
// Accept.
type Mux struct {
	tr  Transport
	log commonlog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	queues  map[string]*Queue
	claimed map[string]bool
	closed  bool

	accept chan string
	done   chan struct{}
}

// New creates a multiplexer over the given transport. Call Start to begin
// delivery.
func New(tr Transport) *Mux {
	return &Mux{
		tr:      tr,
		log:     commonlog.GetLogger("farlink.mux"),
		queues:  make(map[string]*Queue),
		claimed: make(map[string]bool),
		accept:  make(chan string, 64),
		done:    make(chan struct{}),
	}
}

// Start launches the receive loop.
func (m *Mux) Start() {
	go m.recvLoop()
}

// Send tags the envelope with its channel pair and writes it to the
// transport. Safe for concurrent use.
func (m *Mux) Send(e *wire.Envelope) error {
	data, err := wire.MarshalEnvelope(e)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := m.tr.Send(data); err != nil {
		return err
	}
	return nil
}

// Claim registers the caller as the listener for a channel key and returns
// its queue, creating it if the peer has not sent on it yet.
func (m *Mux) Claim(key string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = newQueue()
		m.queues[key] = q
		if m.closed {
			q.close()
		}
	}
	m.claimed[key] = true
	return q
}

// Release drops a channel's queue once its conversation has concluded.
func (m *Mux) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[key]; ok {
		q.close()
		delete(m.queues, key)
		delete(m.claimed, key)
	}
}

// Accept yields channel keys first opened by the peer. The channel closes
// when the mux shuts down.
func (m *Mux) Accept() <-chan string {
	return m.accept
}

// Done is closed when the receive loop exits.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Close shuts the transport and drains every open queue, failing all
// blocked listeners.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.tr.Close()
}

func (m *Mux) recvLoop() {
	defer func() {
		m.mu.Lock()
		m.closed = true
		for _, q := range m.queues {
			q.close()
		}
		m.mu.Unlock()
		close(m.accept)
		close(m.done)
	}()

	for {
		data, err := m.tr.Recv()
		if err != nil {
			m.log.Infof("transport closed: %v", err)
			return
		}
		e, err := wire.UnmarshalEnvelope(data)
		if err != nil {
			m.log.Errorf("dropping undecodable envelope: %v", err)
			continue
		}
		m.dispatch(e)
	}
}

func (m *Mux) dispatch(e *wire.Envelope) {
	key := e.Key()
	m.mu.Lock()
	q, ok := m.queues[key]
	fresh := false
	if !ok {
		q = newQueue()
		m.queues[key] = q
		fresh = true
	}
	announce := fresh && !m.claimed[key]
	m.mu.Unlock()

	q.push(e)
	if announce {
		select {
		case m.accept <- key:
		default:
			// Accept backlog full; the queue still holds the message and
			// the next Claim will find it.
			m.log.Warningf("accept backlog full, channel %s not announced", key)
		}
	}
}
