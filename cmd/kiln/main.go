// Command kiln is the kiln command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/kiln/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewKilnCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
