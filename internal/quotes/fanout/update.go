package fanout

import (
	"context"

	"fxpulse.com/internal/quotes/aggregate"
	"fxpulse.com/internal/quotes/model"
)

// Update is what every sink receives: the instrument's new state and the quote that
// produced it. Snapshot updates (resync, replay) carry no fresh quote.
type Update struct {
	State    aggregate.State
	Quote    model.Quote
	Snapshot bool
}

func (u Update) Instrument() model.Instrument { return u.State.Instrument }

// Sink is one downstream destination.
//
// Deliver must be idempotent for the same Update. Errors should be qerr SinkUnavailable
// (retried) or SinkRejected (dropped); anything else is treated as unavailable.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, u Update) error
}

// SnapshotSource supplies current states for resync.
type SnapshotSource interface {
	All() []aggregate.State
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, u Update) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Deliver(ctx context.Context, u Update) error { return s.Fn(ctx, u) }
