package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labdesk/labdesk/internal/rbac"
	"github.com/labdesk/labdesk/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := &CLI{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Roles: func() (RoleAPI, error) {
			baseURL := os.Getenv("LABDESK_URL")
			if baseURL == "" {
				baseURL = "http://127.0.0.1:8080"
			}
			token := os.Getenv("LABDESK_TOKEN")
			if token == "" {
				return nil, fmt.Errorf("LABDESK_TOKEN must be set")
			}
			return rbac.NewClient(baseURL, token), nil
		},
		Queue: func() (CatalogQueue, error) {
			addr := os.Getenv("REDIS_ADDR")
			if addr == "" {
				addr = "127.0.0.1:6379"
			}
			opts, err := jobs.RedisOpt(addr)
			if err != nil {
				return nil, err
			}
			return jobs.NewClient(opts)
		},
	}
	if err := cli.Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "labctl:", err)
		os.Exit(1)
	}
}
