//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

// restoreTerminal puts the controlling terminal back in cooked mode after
// the dashboard exits, including when bubbletea was torn down by a signal.
func restoreTerminal() {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return
	}
	defer tty.Close()
	cmd := exec.Command("stty", "sane")
	cmd.Stdin = tty
	_ = cmd.Run()
}
