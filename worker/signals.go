package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// WithShutdown returns a context that is cancelled on SIGTERM or SIGINT, for
// graceful worker shutdown. A second signal exits immediately.
func WithShutdown(parent context.Context, log *zap.SugaredLogger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-signals:
			log.Infow("Received signal, terminating", "signal", sig.String())
			cancel()
		case <-ctx.Done():
			signal.Stop(signals)
			return
		}

		sig := <-signals
		log.Warnw("Received second signal, exiting immediately", "signal", sig.String())
		os.Exit(1)
	}()

	return ctx, cancel
}
