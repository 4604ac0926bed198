// Command queueadmin inspects pipeline queues and manages their dead-letter
// sub-queues.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pitabwire/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		util.Log(ctx).WithError(err).Error("queueadmin failed")
		cancel()
		os.Exit(1)
	}
}
