package session

import (
	"sync"
	"time"

	"github.com/zhouzirui/pairchat/internal/protoerr"
)

// Event is the closed set of notifications a session delivers to the UI layer:
// StateChanged, MessageReceived or Error.
type Event interface {
	Session() string
	isEvent()
}

// StateChanged reports a lifecycle transition. Reason is set when the
// transition was caused by a failure or by the peer.
type StateChanged struct {
	SessionID string
	Old       State
	New       State
	Reason    error
	At        time.Time
}

// MessageReceived carries one payload, released in sequence order.
type MessageReceived struct {
	SessionID string
	Seq       uint64
	Payload   []byte
	SentAt    time.Time
}

// Error reports an advisory or terminal problem. Seq is set for
// BacklogOverflow and SendFailed.
type Error struct {
	SessionID string
	Kind      protoerr.Kind
	Err       error
	Seq       uint64
}

func (e StateChanged) Session() string    { return e.SessionID }
func (e MessageReceived) Session() string { return e.SessionID }
func (e Error) Session() string           { return e.SessionID }

func (StateChanged) isEvent()    {}
func (MessageReceived) isEvent() {}
func (Error) isEvent()           {}

// eventQueue is an unbounded FIFO between the session loop and the consumer,
// so a slow consumer never stalls protocol handling. After close the consumer
// has linger to drain what is left; past that the rest is dropped and out is
// closed so the pump goroutine does not outlive an abandoned session.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	wake   chan struct{}
	out    chan Event
	linger time.Duration

	done      chan struct{}
	abandoned sync.Once
}

func newEventQueue(buffer int, linger time.Duration) *eventQueue {
	q := &eventQueue{
		wake:   make(chan struct{}, 1),
		out:    make(chan Event, buffer),
		linger: linger,
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

// close flushes what is queued and then closes the output channel.
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
	time.AfterFunc(q.linger, q.abandon)
}

// abandon stops delivery; events still queued are dropped.
func (q *eventQueue) abandon() {
	q.abandoned.Do(func() { close(q.done) })
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, ev := range items {
			select {
			case q.out <- ev:
			case <-q.done:
				return
			}
		}
		if closed && len(items) == 0 {
			return
		}
		if len(items) == 0 {
			select {
			case <-q.wake:
			case <-q.done:
				return
			}
		}
	}
}
