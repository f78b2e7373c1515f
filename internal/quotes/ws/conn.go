package ws

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/wsmetrics"
	"fxpulse.com/pkg/logger"
)

// Conn is one subscriber. Delivery is latest-only: per topic only the newest unsent
// payload is kept, so a slow reader sees fewer updates, never stale ones.
type Conn struct {
	id string

	ws     *websocket.Conn
	hub    *Hub
	mu     sync.Mutex
	latest map[string][]byte // topic -> last unsent payload
	order  []string          // topics in first-offer order since the last flush
	notify chan struct{}     // buffered 1: coalesced wakeups
	closed atomic.Bool
}

func NewConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		hub:    h,
		latest: make(map[string][]byte, 16),
		notify: make(chan struct{}, 1),
	}
}

func (c *Conn) ID() string { return c.id }

// Offer queues payload for topic, replacing an unsent one. payload must not be mutated afterwards.
func (c *Conn) Offer(topic string, payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	if _, pending := c.latest[topic]; pending {
		wsmetrics.DroppedTotal.WithLabelValues("coalesced").Inc()
	} else {
		c.order = append(c.order, topic)
	}
	c.latest[topic] = payload
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Conn) flushLatest(max int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return nil
	}
	n := min(len(c.order), max)
	out := make([][]byte, 0, n)
	for _, t := range c.order[:n] {
		out = append(out, c.latest[t])
		delete(c.latest, t)
	}
	c.order = append(c.order[:0], c.order[n:]...)
	if len(c.order) > 0 {
		// more left: wake the writer again
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
	return out
}

type Server struct {
	Hub      *Hub
	Upgrader websocket.Upgrader
	ctx      context.Context

	PongWait   time.Duration
	PingPeriod time.Duration
	PingJitter time.Duration
	WriteWait  time.Duration
	ReadLimit  int64
	MaxFlush   int
}

func NewServer(ctx context.Context, h *Hub) *Server {
	return &Server{
		Hub: h,
		ctx: ctx,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		PongWait:   60 * time.Second,
		PingPeriod: 30 * time.Second,
		PingJitter: 100 * time.Millisecond,
		WriteWait:  5 * time.Second,
		ReadLimit:  4 << 10,
		MaxFlush:   256,
	}
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "ws upgrade failed", zap.Error(err))
		return
	}
	wsmetrics.OnOpen()
	c := NewConn(s.Hub, wsConn)
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) readPump(c *Conn) {
	code, reason := -1, "read_error"
	defer func() {
		c.closed.Store(true)
		c.hub.RemoveConn(c)
		_ = c.ws.Close()
		wsmetrics.OnClose(code, reason)
		select {
		case c.notify <- struct{}{}: // let the writer see closed
		default:
		}
	}()

	c.ws.SetReadLimit(s.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	c.ws.SetPongHandler(func(string) error {
		wsmetrics.PongRecvTotal.Inc()
		return c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	stop := context.AfterFunc(s.ctx, func() { _ = c.ws.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			var ne net.Error
			switch {
			case errors.As(err, &ce):
				code, reason = ce.Code, "client_close"
			case s.ctx.Err() != nil:
				reason = "shutdown"
			case errors.As(err, &ne) && ne.Timeout():
				reason = "pong_timeout"
				wsmetrics.PongTimeoutTotal.Inc()
			}
			logger.Debug(context.Background(), "ws read ended", zap.String("conn", c.id), zap.Error(err))
			return
		}

		var msg ClientMsg
		if json.Unmarshal(b, &msg) != nil {
			wsmetrics.SubOpsTotal.WithLabelValues("bad").Inc()
			c.sendError("malformed message")
			continue
		}
		switch msg.Type {
		case "sub":
			if refused := c.hub.Subscribe(c, msg.Topics); len(refused) > 0 {
				c.sendError("unknown topics: " + strings.Join(refused, ","))
			}
		case "unsub":
			c.hub.Unsubscribe(c, msg.Topics)
		default:
			wsmetrics.SubOpsTotal.WithLabelValues("bad").Inc()
			c.sendError("unknown message type " + msg.Type)
		}
	}
}

func (c *Conn) sendError(text string) {
	b, err := json.Marshal(ServerMsg{Type: "error", Error: text})
	if err == nil {
		c.Offer("error", b)
	}
}

func (s *Server) writePump(c *Conn) {
	defer func() {
		c.closed.Store(true)
		_ = c.ws.Close()
	}()

	if s.PingJitter > 0 {
		t := time.NewTimer(rand.N(s.PingJitter))
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return
		}
	}

	ticker := time.NewTicker(s.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.notify:
			batch := c.flushLatest(s.MaxFlush)
			if len(batch) == 0 {
				if c.closed.Load() {
					return
				}
				continue
			}
			if err := s.writeBatch(c, batch); err != nil {
				logger.Debug(context.Background(), "ws write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.WriteWait)); err != nil {
				wsmetrics.PingErrorsTotal.Inc()
				return
			}
			wsmetrics.PingSentTotal.Inc()
		case <-s.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(s.WriteWait))
			return
		}
	}
}

// writeBatch writes one text frame holding newline separated JSON messages.
func (s *Server) writeBatch(c *Conn, batch [][]byte) (err error) {
	start := time.Now()
	bytes := 0
	defer func() { wsmetrics.ObserveWrite(len(batch), bytes, time.Since(start), err) }()

	_ = c.ws.SetWriteDeadline(time.Now().Add(s.WriteWait))
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	for i, payload := range batch {
		if i > 0 {
			if _, err = w.Write([]byte{'\n'}); err != nil {
				_ = w.Close()
				return err
			}
		}
		if _, err = w.Write(payload); err != nil {
			_ = w.Close()
			return err
		}
		bytes += len(payload) + 1
	}
	return w.Close()
}
