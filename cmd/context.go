package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newCommandContext creates the root command context canceled by SIGINT/SIGTERM.
func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// commandContext returns the command context, falling back to Background.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// interrupter is told when the command context ends.
type interrupter interface {
	Interrupt()
}

// interruptOnDone flags i once ctx is canceled. Running commands see the
// flag through the executor and the pipeline polls it between steps.
func interruptOnDone(ctx context.Context, i interrupter) {
	go func() {
		<-ctx.Done()
		i.Interrupt()
	}()
}
