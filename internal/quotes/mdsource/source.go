package mdsource

import (
	"context"

	"fxpulse.com/internal/quotes/model"
)

// Adapter turns one raw upstream payload into canonical quotes.
// Errors are *qerr.Error with an adapter kind (MalformedPayload, ...).
type Adapter interface {
	Name() string
	Ingest(raw []byte) ([]model.Quote, error)
}

// Emitter hands quotes to the pipeline. Emit blocks while the pipeline is full and
// returns false only once the runner has been force-stopped.
type Emitter interface {
	Emit(q model.Quote) bool
}

// EmitFunc adapts a func to Emitter.
type EmitFunc func(q model.Quote) bool

func (f EmitFunc) Emit(q model.Quote) bool { return f(q) }

// Source is a pluggable upstream.
// Run blocks: it keeps producing quotes until ctx ends or the connection fails.
// When ctx ends mid-batch the batch is still emitted, then Run returns.
type Source interface {
	Name() string
	Run(ctx context.Context, out Emitter) error
}
