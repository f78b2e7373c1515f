package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/wsmetrics"
	"fxpulse.com/pkg/logger"
)

// Hub maps topics to subscribed connections and keeps the last payload per topic,
// which is replayed to every new subscriber.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Conn]struct{} // topic -> set(conn)
	last map[string][]byte             // topic -> last payload (snapshot)

	// Allow filters subscribe requests; nil accepts every topic.
	Allow func(topic string) bool
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*Conn]struct{}, 64),
		last: make(map[string][]byte, 64),
	}
}

// Subscribe registers c and replays the current snapshot of each topic.
// It returns the topics that were refused by Allow.
func (h *Hub) Subscribe(c *Conn, topics []string) (refused []string) {
	type snap struct {
		topic string
		data  []byte
	}
	snaps := make([]snap, 0, len(topics))

	// register and read snapshots under one lock so a concurrent Publish is never missed
	h.mu.Lock()
	for _, t := range topics {
		if h.Allow != nil && !h.Allow(t) {
			refused = append(refused, t)
			continue
		}
		set := h.subs[t]
		if set == nil {
			set = make(map[*Conn]struct{}, 16)
			h.subs[t] = set
		}
		set[c] = struct{}{}
		if b := h.last[t]; b != nil {
			snaps = append(snaps, snap{t, b})
		}
	}
	wsmetrics.Topics.Set(float64(len(h.subs)))
	h.mu.Unlock()

	wsmetrics.SubOpsTotal.WithLabelValues("sub").Inc()
	logger.Debug(context.Background(), "ws subscribe", zap.String("conn", c.id), zap.Strings("topics", topics))

	for _, s := range snaps {
		if c.Offer(s.topic, s.data) {
			wsmetrics.ReplayTotal.Inc()
		}
	}
	return refused
}

func (h *Hub) Unsubscribe(c *Conn, topics []string) {
	h.mu.Lock()
	for _, t := range topics {
		if set := h.subs[t]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
	}
	wsmetrics.Topics.Set(float64(len(h.subs)))
	h.mu.Unlock()
	wsmetrics.SubOpsTotal.WithLabelValues("unsub").Inc()
}

func (h *Hub) RemoveConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, m := range h.subs {
		delete(m, c)
		if len(m) == 0 {
			delete(h.subs, topic)
		}
	}
	wsmetrics.Topics.Set(float64(len(h.subs)))
}

// Publish stores payload as the topic snapshot and offers it to every subscriber.
// Offers never block, so a slow client cannot hold up the broadcast.
func (h *Hub) Publish(topic string, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	h.mu.Lock()
	h.last[topic] = cp
	set := h.subs[topic]
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Offer(topic, cp)
	}
}

// Last returns the snapshot of a topic.
func (h *Hub) Last(topic string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.last[topic]
	return b, ok
}

// Subscribers counts the connections on a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
