package stream

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fxpulse.com/internal/quotes/health"
	"fxpulse.com/internal/quotes/mdsource"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
)

// fakeFeed accepts one TCP client, checks the subscribe frame, then writes frames.
func fakeFeed(t *testing.T, frames []string, hold time.Duration) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	subs := make(chan string, 4)
	go func() {
		// frames go to the first connection only; later ones stay silent
		first := true
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			send := frames
			if !first {
				send = nil
			}
			first = false
			go func(c net.Conn, send []string) {
				defer c.Close()
				line, _ := bufio.NewReader(c).ReadString('\n')
				subs <- strings.TrimSpace(line)
				for _, f := range send {
					_, _ = c.Write([]byte(f + "\n"))
				}
				time.Sleep(hold)
			}(c, send)
		}
	}()
	return ln.Addr().String(), subs
}

func collect(n int) (mdsource.EmitFunc, <-chan model.Quote) {
	ch := make(chan model.Quote, n)
	return func(q model.Quote) bool { ch <- q; return true }, ch
}

func TestSource_TCPDeliversAndGoesStale(t *testing.T) {
	addr, subs := fakeFeed(t, []string{
		"EUR/USD|1.08450|1.08470|1700000000000|1",
		"HB|1700000000100",
		"EUR/USD|1.08460|1.08480|1700000000200|2",
		"garbage",
	}, time.Second)

	m := health.NewMonitor(health.Config{})
	tr := m.Provider("tcp", 0)
	src, err := NewSource(Config{Name: "tcp", Transport: "tcp", Addr: addr, StaleTimeout: 150 * time.Millisecond},
		[]model.Instrument{model.MustInstrument("EUR/USD")}, tr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	emit, got := collect(8)
	err = src.Run(context.Background(), emit)
	if !errors.Is(err, qerr.ErrStaleConnection) {
		t.Fatalf("want StaleConnection after silence, got %v", err)
	}
	if s := <-subs; s != "SUB|EUR/USD" {
		t.Fatalf("subscribe frame: %q", s)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 quotes, got %d", len(got))
	}
	q := <-got
	if q.Seq != 1 || q.RecvUnixMs == 0 {
		t.Fatalf("first quote: %+v", q)
	}

	snap := tr.Snapshot()
	if snap.Status != health.Warning || snap.Total != 2 || snap.Malformed != 1 {
		t.Fatalf("health after first gap: %+v", snap)
	}
	if len(snap.ActiveInstruments) != 1 {
		t.Fatalf("active instruments: %v", snap.ActiveInstruments)
	}

	// second consecutive gap
	_ = src.Run(context.Background(), emit)
	if tr.Status() != health.Offline {
		t.Fatalf("second gap should go offline, got %v", tr.Status())
	}
}

func TestSource_DialFailureIsUnavailable(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	_ = ln.Close()

	m := health.NewMonitor(health.Config{})
	tr := m.Provider("tcp", 0)
	src, _ := NewSource(Config{Name: "tcp", Addr: addr}, nil, tr)
	emit, _ := collect(1)
	err := src.Run(context.Background(), emit)
	if !errors.Is(err, qerr.ErrUpstreamUnavailable) {
		t.Fatalf("want UpstreamUnavailable, got %v", err)
	}
	if tr.Status() != health.Warning {
		t.Fatalf("dial failure steps health down, got %v", tr.Status())
	}
}

func TestSource_CancelStopsRead(t *testing.T) {
	addr, _ := fakeFeed(t, nil, 5*time.Second)
	m := health.NewMonitor(health.Config{})
	src, _ := NewSource(Config{Name: "tcp", Addr: addr, StaleTimeout: 10 * time.Second}, nil, m.Provider("tcp", 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	emit, _ := collect(1)
	go func() { done <- src.Run(ctx, emit) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestSource_WebsocketTransport(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, _, _ = c.ReadMessage() // SUB
		_ = c.WriteMessage(websocket.TextMessage,
			[]byte("GBP/USD|1.2700|1.2702|1700000000000|1\nGBP/USD|1.2701|1.2703|1700000000100|2"))
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	m := health.NewMonitor(health.Config{})
	tr := m.Provider("ws", 0)
	src, err := NewSource(Config{
		Name:         "ws",
		Transport:    "ws",
		Addr:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		StaleTimeout: 150 * time.Millisecond,
	}, []model.Instrument{model.MustInstrument("GBP/USD")}, tr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	emit, got := collect(4)
	_ = src.Run(context.Background(), emit)
	if len(got) != 2 {
		t.Fatalf("want 2 quotes from one message, got %d", len(got))
	}
	if tr.Snapshot().Total != 2 {
		t.Fatalf("total: %d", tr.Snapshot().Total)
	}
}

func TestNewSource_UnknownTransport(t *testing.T) {
	if _, err := NewSource(Config{Name: "x", Transport: "udp"}, nil, nil); err == nil {
		t.Fatalf("unknown transport must fail")
	}
}
