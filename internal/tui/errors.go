package tui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
)

// statusError is a non-200 answer from an operator endpoint.
type statusError struct {
	path string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.path, e.code)
}

// humanError turns a fetch or stream failure into the dashboard's
// "Last Error" line.
func humanError(err error) string {
	if err == nil {
		return ""
	}
	var se *statusError
	switch {
	case errors.As(err, &se):
		if se.code == http.StatusUnauthorized || se.code == http.StatusForbidden {
			return fmt.Sprintf("Daemon refused %s (%d): check auth.keys in config.yaml", se.path, se.code)
		}
		return fmt.Sprintf("Daemon answered %s with %d", se.path, se.code)
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(err.Error(), "connection refused"):
		return "Daemon not running (connection refused)"
	case errors.Is(err, context.DeadlineExceeded):
		return "Daemon did not answer in time"
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		msg = msg[idx+2:]
	}
	if msg == "" {
		return ""
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
