package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/haggle/internal/config"
)

const statusTimeout = 3 * time.Second

// statusReport is printed by `haggle status -metrics`.
type statusReport struct {
	Health  json.RawMessage `json:"health"`
	Metrics json.RawMessage `json:"metrics,omitempty"`
	Error   string          `json:"metrics_error,omitempty"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	addr := fs.String("addr", "", "daemon address (default: bind_addr from config.yaml)")
	withMetrics := fs.Bool("metrics", false, "include the /metrics snapshot")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: haggle status [-addr host:port] [-metrics]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	target := cfg.BindAddr
	if *addr != "" {
		target = *addr
	}
	base := baseURL(target)

	health, code, err := fetchJSON(ctx, base+"/healthz", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	out := health
	if *withMetrics {
		report := statusReport{Health: health}
		// /metrics sits behind auth when keys are configured.
		key := ""
		if cfg.Auth.Enabled && len(cfg.Auth.Keys) > 0 {
			key = cfg.Auth.Keys[0].Key
		}
		m, mcode, merr := fetchJSON(ctx, base+"/metrics", key)
		switch {
		case merr != nil:
			report.Error = merr.Error()
		case mcode != http.StatusOK:
			report.Error = fmt.Sprintf("/metrics answered %d", mcode)
		default:
			report.Metrics = m
		}
		if out, err = json.Marshal(report); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
	}

	_, _ = os.Stdout.Write(out)
	if len(out) == 0 || out[len(out)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if code != http.StatusOK {
		return 1
	}
	return 0
}

// fetchJSON GETs url and returns the body as raw JSON. A non-JSON body is
// wrapped in a string so callers can always embed it.
func fetchJSON(ctx context.Context, url, apiKey string) (json.RawMessage, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	body = []byte(strings.TrimSpace(string(body)))
	if !json.Valid(body) {
		body, _ = json.Marshal(string(body))
	}
	return body, resp.StatusCode, nil
}

// baseURL turns a bind address into the URL clients on this host use.
// Wildcard binds are reached over loopback.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "", "0.0.0.0":
			host = "127.0.0.1"
		case "::":
			host = "::1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}
