package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/haggle/internal/config"
	"github.com/basket/haggle/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	strict := fs.Bool("strict", false, "exit non-zero on warnings too")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: haggle doctor [-json] [-strict]")
		return 2
	}

	var diag doctor.Diagnosis
	if cfg, err := config.Load(); err != nil {
		diag = doctor.Run(ctx, nil, err, Version)
	} else {
		diag = doctor.Run(ctx, &cfg, nil, Version)
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			return 1
		}
	} else {
		color := isatty.IsTerminal(os.Stdout.Fd())
		printDiagnosis(os.Stdout, diag, color)
	}
	if diag.Failed(*strict) {
		return 1
	}
	return 0
}

var statusStyles = map[string]lipgloss.Style{
	doctor.StatusPass: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	doctor.StatusWarn: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	doctor.StatusFail: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
	doctor.StatusSkip: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis, color bool) {
	fmt.Fprintf(w, "haggle doctor %s  %s/%s %s  %s\n", diag.System.Version,
		diag.System.OS, diag.System.Arch, diag.System.Go, diag.Timestamp.Format(time.RFC3339))
	for _, res := range diag.Results {
		tag := fmt.Sprintf("[%-4s]", res.Status)
		if color {
			tag = statusStyles[res.Status].Render(tag)
		}
		fmt.Fprintf(w, "%s %-12s %s\n", tag, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "       %s\n", res.Detail)
		}
	}
}
