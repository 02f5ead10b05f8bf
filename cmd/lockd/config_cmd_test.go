package main

import (
	"strings"
	"testing"
)

func TestConfigGenStdoutContainsDefaults(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	for _, want := range []string{"listen: ", "ttl: ", "acquire-timeout-default: ", "acquire-timeout-max: "} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected generated config to contain %q, got:\n%s", want, stdout)
		}
	}
}

func TestConfigGenRejectsStdoutAndOutTogether(t *testing.T) {
	_, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "/tmp/x.yaml")
	if err == nil {
		t.Fatal("expected error when combining --stdout and --out")
	}
}
