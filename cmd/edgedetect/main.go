package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"edgedetect/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := cli.NewRoot()
	err := cli.NewRootCmd(root).ExecuteContext(ctx)
	if cerr := root.Close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", cerr)
	}
	stop()
	if err != nil {
		os.Exit(1)
	}
}
