package worker

import (
	"context"
	"os/signal"
)

// SignalContext is cancelled by the first interrupt, terminate, hangup or
// user-defined signal. Later signals are swallowed until stop is called, so
// a repeated Ctrl-C cannot cut a drain short.
func SignalContext(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, shutdownSignals...)
}
