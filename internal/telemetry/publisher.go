package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/uwb.report/internal/monitoring"
)

// DefaultSubscriberBuffer is the queue depth of a subscriber that did not
// ask for one.
const DefaultSubscriberBuffer = 32

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Published   uint64 `json:"published"`
	Throttled   uint64 `json:"throttled"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Publisher broadcasts records to subscribers. Publish is called from the
// control loop and never blocks: a subscriber whose queue is full misses
// the record.
type Publisher struct {
	interval time.Duration

	mu     sync.RWMutex
	subs   map[string]chan Record
	latest Record
	has    bool
	last   time.Time
	closed bool

	published atomic.Uint64
	throttled atomic.Uint64
	dropped   atomic.Uint64
}

// NewPublisher returns a publisher that forwards at most one record per
// interval, measured on record timestamps.
func NewPublisher(interval time.Duration) *Publisher {
	return &Publisher{interval: interval, subs: make(map[string]chan Record)}
}

// Publish offers r to every subscriber. It returns false when r arrived
// within the throttle interval of the previous record and was skipped.
func (p *Publisher) Publish(r Record) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if p.has && r.Timestamp.Sub(p.last) < p.interval {
		p.throttled.Add(1)
		return false
	}
	p.latest, p.has, p.last = r, true, r.Timestamp
	p.published.Add(1)

	for id, ch := range p.subs {
		select {
		case ch <- r:
		default:
			if n := p.dropped.Add(1); n%100 == 1 {
				monitoring.Logf("[Telemetry] subscriber %s is slow, dropped %d records so far", id, n)
			}
		}
	}
	return true
}

// Subscribe registers a subscriber and returns its ID and channel. The
// channel is closed by Unsubscribe or Close.
func (p *Publisher) Subscribe(buffer int) (string, <-chan Record) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	id := uuid.NewString()
	ch := make(chan Record, buffer)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return id, ch
	}
	p.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subs[id]; ok {
		close(ch)
		delete(p.subs, id)
	}
}

// Latest returns the most recently published record.
func (p *Publisher) Latest() (Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.has
}

// Close closes every subscriber channel. Later publishes are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	p.mu.RLock()
	n := len(p.subs)
	p.mu.RUnlock()
	return PublisherStats{
		Published:   p.published.Load(),
		Throttled:   p.throttled.Load(),
		Dropped:     p.dropped.Load(),
		Subscribers: n,
	}
}
