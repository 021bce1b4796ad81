package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer

	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run version failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "todo-agent") {
		t.Errorf("version output = %q, want it to name the binary", stdout.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer

	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run -o json version failed: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version JSON did not parse: %v\noutput: %s", err, stdout.String())
	}
	if info["go_version"] == "" {
		t.Error("version JSON missing go_version")
	}
}

func TestRun_NoCommandPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	if err := run(context.Background(), &stdout, &stderr, nil); err != nil {
		t.Fatalf("run with no args failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "Usage:") {
		t.Errorf("usage output = %q, want Usage section", stdout.String())
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"frobnicate"}},
		{"unknown flag", []string{"-bogus"}},
		{"bad output format", []string{"-o", "yaml", "version"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if err := run(context.Background(), &stdout, &stderr, tt.args); err == nil {
				t.Errorf("run(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestRun_ServeRequiresConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer

	// Point -config at a path that does not exist.
	err := run(context.Background(), &stdout, &stderr, []string{"-config", "/nonexistent/config.yaml", "serve"})
	if err == nil {
		t.Fatal("serve with missing config succeeded, want error")
	}
	if !strings.Contains(err.Error(), "config") {
		t.Errorf("error = %q, want it to mention config", err)
	}
}
