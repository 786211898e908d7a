package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// runKeygenCommand prints a random API key to paste under auth.keys.
func runKeygenCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: haggle keygen")
		return 2
	}
	fmt.Println(newAPIKey())
	return 0
}

func newAPIKey() string {
	return "hgl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
