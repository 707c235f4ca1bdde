package lifecycle

import (
	"os"
	"os/signal"
	"syscall"

	"positionwatch/logger"
)

// commandFor maps a process signal onto a control command.
func commandFor(sig os.Signal) Command {
	if sig == syscall.SIGUSR1 {
		return CommandReload
	}
	return CommandTerminate
}

// watchSignals forwards SIGINT, SIGTERM and SIGUSR1 to the control channel
// until the returned stop function is called.
func (c *Controller) watchSignals() func() {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigChan:
				cmd := commandFor(sig)
				accepted := c.Send(cmd)
				c.log.WithComponent("lifecycle").WithFields(logger.Fields{
					"signal":   sig.String(),
					"command":  cmd.String(),
					"accepted": accepted,
				}).Info("signal received")
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}
