package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/texnomagic/texnomagic/internal/cli"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Execute(ctx, version, os.Args[1:])
	stop()
	os.Exit(code)
}
