package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/basket/haggle/internal/doctor"
)

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	setTestConfig(t, "127.0.0.1:0")

	code := runDoctorCommand(context.Background(), []string{"-json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for a fresh home", code)
	}
}

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	setTestConfig(t, "127.0.0.1:0")

	if code := runDoctorCommand(context.Background(), []string{"--json"}); code != 0 {
		t.Fatalf("got exit code %d, want 0 for --json", code)
	}
	if code := runDoctorCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunDoctorCommand_BadConfig(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:0")
	writeConfig(t, home, "log_level: loud\n")

	if code := runDoctorCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for an invalid config", code)
	}
}

func TestRunDoctorCommand_UnknownFlag(t *testing.T) {
	if code := runDoctorCommand(context.Background(), []string{"-v"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestPrintDiagnosis_PlainText(t *testing.T) {
	var buf bytes.Buffer
	printDiagnosis(&buf, doctor.Diagnosis{
		System: doctor.SystemInfo{Version: "v1.2.3"},
		Results: []doctor.CheckResult{
			{Name: "Listener", Status: doctor.StatusWarn, Message: "127.0.0.1:18790 is not available", Detail: "try status"},
		},
	}, false)
	out := buf.String()
	if !strings.Contains(out, "[WARN] Listener") || !strings.Contains(out, "try status") {
		t.Fatalf("unexpected report:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatal("plain output must not carry escape codes")
	}
}
