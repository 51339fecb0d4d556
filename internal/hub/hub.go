// Package hub fans metric snapshots out to subscribers.
//
// The scheduler hands every new snapshot to OnSnapshotReady, which encodes
// it once and never blocks. A single dispatcher goroutine (Run) copies the
// encoded Delivery into each subscriber's mailbox. A slow
// subscriber loses its oldest queued delivery, never the newest one, and
// never slows down the others.
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/merit-monitoring/chatpulse/internal/model"
)

// Queue depth bounds for subscriber mailboxes.
const (
	DefaultQueueDepth = 1
	MaxQueueDepth     = 2
)

// Delivery is one snapshot together with its JSON encoding.
type Delivery struct {
	Seq      uint64
	Snapshot *model.MetricsSnapshot
	Payload  []byte
}

// Encode serializes snap once for every subscriber. Map keys are sorted so
// equal snapshots encode to equal bytes.
func Encode(snap *model.MetricsSnapshot) (Delivery, error) {
	payload, err := sonic.ConfigStd.Marshal(snap)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode snapshot %d: %w", snap.SequenceNumber, err)
	}
	return Delivery{Seq: snap.SequenceNumber, Snapshot: snap, Payload: payload}, nil
}

// Subscriber is one consumer's mailbox.
type Subscriber struct {
	ID string

	mu      sync.Mutex
	ch      chan Delivery
	lastSeq uint64
	closed  bool
	dropped uint64
}

// C returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan Delivery {
	return s.ch
}

// Dropped returns how many deliveries were discarded because the mailbox
// was full.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer queues d, evicting the oldest queued delivery when the mailbox is
// full. Deliveries not newer than the last accepted one are ignored.
func (s *Subscriber) offer(d Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || d.Seq <= s.lastSeq {
		return false
	}
	for {
		select {
		case s.ch <- d:
			s.lastSeq = d.Seq
			return true
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub is the snapshot publisher.
type Hub struct {
	depth int

	mu      sync.RWMutex
	subs    map[string]*Subscriber
	stopped bool

	latest atomic.Pointer[Delivery]
	queue  chan Delivery

	published atomic.Uint64
	failures  atomic.Uint64
}

// New creates a hub whose subscriber mailboxes hold queueDepth deliveries.
func New(queueDepth int) *Hub {
	if queueDepth < 1 {
		queueDepth = DefaultQueueDepth
	}
	if queueDepth > MaxQueueDepth {
		queueDepth = MaxQueueDepth
	}
	return &Hub{
		depth: queueDepth,
		subs:  make(map[string]*Subscriber),
		queue: make(chan Delivery, 1),
	}
}

// Subscribe registers a new subscriber and immediately offers it the
// latest delivery, if any. Once Run has returned the subscriber comes back
// with its channel already closed.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID: uuid.NewString(),
		ch: make(chan Delivery, h.depth),
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		s.close()
		return s
	}
	h.subs[s.ID] = s
	n := len(h.subs)
	h.mu.Unlock()

	if d := h.latest.Load(); d != nil {
		s.offer(*d)
	}
	log.WithFields(log.Fields{"subscriber": s.ID, "subscribers": n}).Debug("Subscriber joined")
	return s
}

// Unsubscribe removes s and closes its channel. It is safe to call more
// than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.subs[s.ID]
	delete(h.subs, s.ID)
	n := len(h.subs)
	h.mu.Unlock()

	s.close()
	if ok {
		log.WithFields(log.Fields{"subscriber": s.ID, "subscribers": n}).Debug("Subscriber left")
	}
}

// OnSnapshotReady encodes snap, records it as the latest delivery and
// queues it for dispatch. It never blocks: if the dispatcher has not picked
// up the previous snapshot yet, that one is replaced.
func (h *Hub) OnSnapshotReady(snap *model.MetricsSnapshot) {
	d, err := Encode(snap)
	if err != nil {
		h.failures.Add(1)
		log.Errorf("Dropping snapshot: %v", err)
		return
	}

	if prev := h.latest.Load(); prev != nil && prev.Seq >= d.Seq {
		return
	}
	h.latest.Store(&d)
	h.published.Add(1)

	for {
		select {
		case h.queue <- d:
			return
		default:
		}
		select {
		case <-h.queue:
		default:
		}
	}
}

// Run dispatches queued deliveries until ctx is done, then closes every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case d := <-h.queue:
			h.broadcast(d)
		}
	}
}

func (h *Hub) broadcast(d Delivery) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.offer(d)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.stopped = true
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Latest returns the most recent delivery.
func (h *Hub) Latest() (Delivery, bool) {
	d := h.latest.Load()
	if d == nil {
		return Delivery{}, false
	}
	return *d, true
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats reports publisher counters.
type Stats struct {
	Subscribers    int    `json:"subscribers"`
	Published      uint64 `json:"published"`
	EncodeFailures uint64 `json:"encodeFailures"`
	LatestSeq      uint64 `json:"latestSeq"`
}

// Stats returns a point-in-time view of the hub counters.
func (h *Hub) Stats() Stats {
	st := Stats{
		Subscribers:    h.Count(),
		Published:      h.published.Load(),
		EncodeFailures: h.failures.Load(),
	}
	if d := h.latest.Load(); d != nil {
		st.LatestSeq = d.Seq
	}
	return st
}
