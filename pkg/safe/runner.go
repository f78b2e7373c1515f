package safe

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"

	"fxpulse.com/pkg/logger"
)

// Go starts fn on a new goroutine and logs instead of crashing on panic.
func Go(fn func()) {
	go func() {
		defer recoverAndLog(context.Background())
		fn()
	}()
}

// GoCtx is Go with a context, so recovered panics keep the trace id.
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer recoverAndLog(ctx)
		fn(ctx)
	}()
}

// Run calls fn synchronously and converts a panic into a logged, false return.
// Workers that must keep looping after a bad item use it per iteration.
func Run(ctx context.Context, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(ctx, r)
			ok = false
		}
	}()
	fn()
	return true
}

func recoverAndLog(ctx context.Context) {
	if r := recover(); r != nil {
		logPanic(ctx, r)
	}
}

func logPanic(ctx context.Context, r any) {
	logger.Error(ctx, "goroutine panic recovered",
		zap.Any("panic", r),
		zap.String("stack", string(debug.Stack())),
	)
}
