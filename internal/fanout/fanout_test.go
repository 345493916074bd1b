package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

type collectingSubscriber struct {
	mu   sync.Mutex
	got  []pipeline.Packet
	slow bool
	gate chan struct{}
}

func (c *collectingSubscriber) OnPacket(pkt pipeline.Packet) {
	if c.slow {
		<-c.gate
	}
	c.mu.Lock()
	c.got = append(c.got, pkt)
	c.mu.Unlock()
}

func (c *collectingSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	h := NewHub(8)
	a := &collectingSubscriber{}
	b := &collectingSubscriber{}
	h.Subscribe("a", a)
	h.Subscribe("b", b)
	defer h.Close()

	for i := 0; i < 5; i++ {
		h.Publish(pipeline.Packet{PTS: int64(i)})
	}

	waitFor(t, func() bool { return a.count() == 5 && b.count() == 5 })
}

func TestSlowSubscriberDropsWithoutAffectingOthers(t *testing.T) {
	h := NewHub(2)
	slow := &collectingSubscriber{slow: true, gate: make(chan struct{})}
	fast := &collectingSubscriber{}
	h.Subscribe("slow", slow)
	h.SubscribeWithDepth("fast", fast, 32)
	defer h.Close()

	for i := 0; i < 20; i++ {
		h.Publish(pipeline.Packet{PTS: int64(i)})
	}

	waitFor(t, func() bool { return fast.count() == 20 })

	dropped, ok := h.SinkStats("slow")
	if !ok {
		t.Fatal("expected slow subscriber stats to exist")
	}
	if dropped == 0 {
		t.Fatal("expected slow subscriber to have dropped packets")
	}

	close(slow.gate)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(4)
	sub := &collectingSubscriber{}
	h.Subscribe("a", sub)

	h.Publish(pipeline.Packet{PTS: 1})
	waitFor(t, func() bool { return sub.count() == 1 })

	h.Unsubscribe("a")
	h.Publish(pipeline.Packet{PTS: 2})
	time.Sleep(20 * time.Millisecond)

	if sub.count() != 1 {
		t.Fatalf("expected delivery to stop after unsubscribe, got count %d", sub.count())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
