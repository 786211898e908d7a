package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/haggle/internal/config"
	"github.com/basket/haggle/internal/persistence"
)

// runBackupCommand copies the database with VACUUM INTO, which is safe
// while the daemon is running.
func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: haggle backup <path>")
		return 2
	}
	dest := args[0]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", dest)
	return 0
}
