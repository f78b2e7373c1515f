package stream

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// FrameConn is one upstream connection. ReadFrames returns the next payload, which may
// hold several newline-separated frames.
type FrameConn interface {
	ReadFrames(deadline time.Time) ([]byte, error)
	WriteFrame(b []byte) error
	Close() error
}

// Dialer opens a FrameConn.
type Dialer func(ctx context.Context, addr string) (FrameConn, error)

// DialTCP connects to a line-oriented TCP feed.
func DialTCP(timeout time.Duration) Dialer {
	return func(ctx context.Context, addr string) (FrameConn, error) {
		d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return &tcpConn{c: c, r: bufio.NewReaderSize(c, 64<<10)}, nil
	}
}

type tcpConn struct {
	c net.Conn
	r *bufio.Reader
}

func (t *tcpConn) ReadFrames(deadline time.Time) ([]byte, error) {
	if err := t.c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	line, err := t.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	// drain whatever complete lines are already buffered into the same batch
	for t.r.Buffered() > 0 {
		more, err := t.r.Peek(t.r.Buffered())
		if err != nil {
			break
		}
		i := lastNewline(more)
		if i < 0 {
			break
		}
		line = append(line, more[:i+1]...)
		_, _ = t.r.Discard(i + 1)
	}
	return line, nil
}

func (t *tcpConn) WriteFrame(b []byte) error {
	_ = t.c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 0, len(b)+1)
	buf = append(append(buf, b...), '\n')
	_, err := t.c.Write(buf)
	return err
}

func (t *tcpConn) Close() error { return t.c.Close() }

func lastNewline(b []byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == '\n' {
			return i
		}
	}
	return -1
}

// DialWS connects to a websocket feed; each text message carries one or more frames.
func DialWS(timeout time.Duration) Dialer {
	return func(ctx context.Context, addr string) (FrameConn, error) {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = timeout
		c, _, err := d.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		c.SetReadLimit(1 << 20)
		return &wsConn{c: c}, nil
	}
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadFrames(deadline time.Time) ([]byte, error) {
	if err := w.c.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, msg, err := w.c.ReadMessage()
	return msg, err
}

func (w *wsConn) WriteFrame(b []byte) error {
	_ = w.c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) Close() error { return w.c.Close() }

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
