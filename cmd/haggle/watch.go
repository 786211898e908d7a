package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/haggle/internal/config"
	"github.com/basket/haggle/internal/tui"
)

const followRetry = 2 * time.Second

func runWatchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	actor := fs.String("actor", "", "only follow negotiations this participant is part of")
	addr := fs.String("addr", "", "daemon address (default: bind_addr from config.yaml)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: haggle watch [-actor id] [-addr host:port]")
		return 2
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "watch needs a terminal; use `haggle status` from scripts")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	remote := newRemote(cfg, *addr, *actor)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	feed := tui.NewActivityFeed()
	go followEvents(ctx, remote, feed)

	if err := tui.Run(ctx, remote.Provider(ctx), feed); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

func newRemote(cfg config.Config, addr, actor string) *tui.Remote {
	if addr == "" {
		addr = cfg.BindAddr
	}
	r := &tui.Remote{BaseURL: baseURL(addr), ActorID: actor}
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) > 0 {
		r.APIKey = cfg.Auth.Keys[0].Key
	}
	return r
}

// followEvents keeps the event stream attached across daemon restarts.
func followEvents(ctx context.Context, r *tui.Remote, feed *tui.ActivityFeed) {
	for {
		_ = r.Follow(ctx, feed)
		select {
		case <-ctx.Done():
			return
		case <-time.After(followRetry):
		}
	}
}
