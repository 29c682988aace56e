package connmgr

import (
    "sync"
    "time"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

// EventKind discriminates Event.
type EventKind int

const (
    EventListeningStarted EventKind = iota + 1
    EventConnecting
    EventConnected
    EventConnectionFailed
    EventDataReceived
    EventDisconnected
)

func (k EventKind) String() string {
    switch k {
    case EventListeningStarted:
        return "ListeningStarted"
    case EventConnecting:
        return "Connecting"
    case EventConnected:
        return "Connected"
    case EventConnectionFailed:
        return "ConnectionFailed"
    case EventDataReceived:
        return "DataReceived"
    case EventDisconnected:
        return "Disconnected"
    default:
        return "Unknown"
    }
}

// Event is one lifecycle or data notification.
//
// Peer is set for Connecting and Connected. Reason and Err are set for
// ConnectionFailed, Err optionally for Disconnected. Data is owned by the
// receiver.
type Event struct {
    Kind   EventKind
    Peer   transport.Peer
    Reason string
    Err    error
    Data   []byte
    Time   time.Time
}

// eventQueue is an unbounded FIFO drained into out by a pump goroutine, so
// producers never block on the consumer.
type eventQueue struct {
    mu     sync.Mutex
    cond   *sync.Cond
    items  []Event
    closed bool
    out    chan Event
}

func newEventQueue() *eventQueue {
    q := &eventQueue{out: make(chan Event)}
    q.cond = sync.NewCond(&q.mu)
    go q.pump()
    return q
}

// push appends e. Events pushed after close are dropped.
func (q *eventQueue) push(e Event) {
    if e.Time.IsZero() {
        e.Time = time.Now()
    }
    q.mu.Lock()
    if !q.closed {
        q.items = append(q.items, e)
        q.cond.Signal()
    }
    q.mu.Unlock()
}

// close stops accepting events; out is closed once the backlog is delivered.
func (q *eventQueue) close() {
    q.mu.Lock()
    q.closed = true
    q.cond.Signal()
    q.mu.Unlock()
}

func (q *eventQueue) pump() {
    defer close(q.out)
    for {
        q.mu.Lock()
        for len(q.items) == 0 && !q.closed {
            q.cond.Wait()
        }
        if len(q.items) == 0 {
            q.mu.Unlock()
            return
        }
        e := q.items[0]
        q.items[0] = Event{}
        q.items = q.items[1:]
        q.mu.Unlock()

        q.out <- e
    }
}
