package radio

import "sync/atomic"

// DefaultMailboxSize holds a few cycles of responses.
const DefaultMailboxSize = 16

// Mailbox hands responses from a producer goroutine to the control loop.
// Post never blocks; when the queue is full the response is dropped and
// counted.
type Mailbox struct {
	ch      chan Response
	posted  atomic.Uint64
	dropped atomic.Uint64
}

// NewMailbox returns a mailbox holding up to size responses.
func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{ch: make(chan Response, size)}
}

// Post enqueues r and reports whether it was accepted.
func (m *Mailbox) Post(r Response) bool {
	select {
	case m.ch <- r:
		m.posted.Add(1)
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// C is the receive side, read only by the control loop.
func (m *Mailbox) C() <-chan Response { return m.ch }

// TryReceive returns a queued response without blocking.
func (m *Mailbox) TryReceive() (Response, bool) {
	select {
	case r := <-m.ch:
		return r, true
	default:
		return Response{}, false
	}
}

// Drain discards everything queued and returns how many were discarded.
func (m *Mailbox) Drain() int {
	n := 0
	for {
		if _, ok := m.TryReceive(); !ok {
			return n
		}
		n++
	}
}

// Posted returns how many responses were accepted.
func (m *Mailbox) Posted() uint64 { return m.posted.Load() }

// Dropped returns how many responses were discarded because the mailbox
// was full.
func (m *Mailbox) Dropped() uint64 { return m.dropped.Load() }
