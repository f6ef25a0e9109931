package rabbitmq

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// StoppedByUser is printed when a termination signal stops a consumer.
const StoppedByUser = "Daemon stopped by user."

// HandleSignals maps SIGINT and SIGTERM to c.Stop and SIGHUP to c.Restart until
// ctx is done or the returned function is called. The handler itself only sets
// flags; the run-loop performs the cancel and renew.
func HandleSignals(ctx context.Context, c *Consumer, messages *Logger) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchSignals(ctx, sigs, c, messages)
	}()

	return func() {
		signal.Stop(sigs)
		cancel()
		<-done
	}
}

func watchSignals(ctx context.Context, sigs <-chan os.Signal, c *Consumer, messages *Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				c.logger.Info("restart requested", "consumer", c.name, "signal", sig.String())
				c.Restart()
			default:
				c.logger.Info("stop requested", "consumer", c.name, "signal", sig.String())
				c.Stop()
				messages.Notice(StoppedByUser)
			}
		}
	}
}
