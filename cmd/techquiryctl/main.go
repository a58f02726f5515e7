package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/techquiry/techquiry/internal/cli/techquiryctl"
	"github.com/techquiry/techquiry/internal/config"
	"github.com/techquiry/techquiry/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("techquiryctl")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := techquiryctl.Run(ctx, os.Args[1:], techquiryctl.Options{
		Config: cfg,
		Logger: observability.NewLogger(cfg, os.Stderr),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	stop()
	os.Exit(code)
}
