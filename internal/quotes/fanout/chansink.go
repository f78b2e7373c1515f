package fanout

import (
	"context"

	"fxpulse.com/internal/quotes/qerr"
)

// ChanSink hands updates to an in-process consumer.
// A consumer that does not keep up within the attempt timeout makes the sink unavailable.
type ChanSink struct {
	name string
	C    chan Update
}

func NewChanSink(name string, size int) *ChanSink {
	if size < 0 {
		size = 0
	}
	return &ChanSink{name: name, C: make(chan Update, size)}
}

func (s *ChanSink) Name() string { return s.name }

func (s *ChanSink) Deliver(ctx context.Context, u Update) error {
	select {
	case s.C <- u:
		return nil
	case <-ctx.Done():
		return qerr.Unavailable(s.name, ctx.Err())
	}
}
