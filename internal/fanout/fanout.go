// Package fanout implements Packet Fan-out: encoder pumps call Publish
// directly (there is no separate inbound queue), and each packet is
// delivered by reference to independent, per-sink bounded queues that
// drop oldest-for-that-sink-only on overflow, per spec §4.5.
package fanout

import (
	"sync"

	"github.com/ghostkellz/nitrogen/internal/logging"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

var log = logging.L("fanout")

// defaultSinkQueueDepth bounds each subscriber's private packet queue.
const defaultSinkQueueDepth = 32

// Subscriber receives fanned-out packets. Implementations (sinks) must
// not block in OnPacket; the Hub already runs each subscriber's delivery
// on its own goroutine with its own bounded queue.
type Subscriber interface {
	OnPacket(pkt pipeline.Packet)
}

type subscription struct {
	id     string
	queue  chan pipeline.Packet
	sub    Subscriber
	dropped uint64
	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// Hub fans one inbound packet stream out to any number of subscribers,
// isolating a slow subscriber's drops from every other subscriber.
type Hub struct {
	mu    sync.RWMutex
	subs  map[string]*subscription
	queueDepth int
}

// NewHub creates a fan-out hub. queueDepth <= 0 uses defaultSinkQueueDepth.
func NewHub(queueDepth int) *Hub {
	if queueDepth <= 0 {
		queueDepth = defaultSinkQueueDepth
	}
	return &Hub{subs: make(map[string]*subscription), queueDepth: queueDepth}
}

// Subscribe registers a subscriber under id with the hub's default queue
// depth, starting its delivery goroutine. Subscribing the same id twice
// replaces the previous subscription (its goroutine is stopped first).
func (h *Hub) Subscribe(id string, sub Subscriber) {
	h.SubscribeWithDepth(id, sub, 0)
}

// SubscribeWithDepth registers a subscriber under id with its own queue
// capacity, independent of every other sink's, per spec §4.5 ("small for
// the virtual camera, larger for file recording, smallest for network
// streamers so that slow networks are dropped not buffered"). depth <= 0
// uses the hub's default.
func (h *Hub) SubscribeWithDepth(id string, sub Subscriber, depth int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if depth <= 0 {
		depth = h.queueDepth
	}

	if old, ok := h.subs[id]; ok {
		old.close()
	}

	s := &subscription{
		id:    id,
		queue: make(chan pipeline.Packet, depth),
		sub:   sub,
		stop:  make(chan struct{}),
	}
	h.subs[id] = s
	go s.run()
	log.Info("subscriber added", "sink", id, "queueDepth", depth)
}

// Unsubscribe stops and removes a subscriber.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.subs[id]; ok {
		s.close()
		delete(h.subs, id)
		log.Info("subscriber removed", "sink", id, "dropped", s.dropped)
	}
}

// Publish delivers pkt to every current subscriber. Packets share a
// single backing payload slice across subscribers (reference-counted by
// the Go runtime's GC, not an explicit refcount) so fan-out to N sinks
// costs one allocation, not N.
func (h *Hub) Publish(pkt pipeline.Packet) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		s.offer(pkt)
	}
}

// SinkStats reports a subscriber's drop counter for the status snapshot.
func (h *Hub) SinkStats(id string) (dropped uint64, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.subs[id]
	if !ok {
		return 0, false
	}
	return s.droppedCount(), true
}

// Close stops every subscriber's delivery goroutine.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		s.close()
		delete(h.subs, id)
	}
}

// offer enqueues pkt for this subscriber, dropping the oldest queued
// packet (not the newest) on overflow, matching spec §4.5's
// "drop oldest for that sink" policy.
func (s *subscription) offer(pkt pipeline.Packet) {
	select {
	case s.queue <- pkt:
		return
	default:
	}

	select {
	case <-s.queue:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	default:
	}

	select {
	case s.queue <- pkt:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

func (s *subscription) droppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *subscription) run() {
	for {
		select {
		case pkt, ok := <-s.queue:
			if !ok {
				return
			}
			s.sub.OnPacket(pkt)
		case <-s.stop:
			return
		}
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)
}
