//go:build windows

package tui

// restoreTerminal is a no-op: the console mode is restored by bubbletea.
func restoreTerminal() {}
