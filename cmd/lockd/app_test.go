package main

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--listen", ":9999"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"version"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "version"}, want: false},
		{name: "unknown long before subcommand", args: []string{"--bogus", "version"}, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestSubmainInvalidFlagLikeTokenBeforeSubcommand(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"lockcoordd", "-z", "version"}

	stderr := captureStderr(t, func() {
		exitCode := submain(context.Background())
		if exitCode != 1 {
			t.Fatalf("submain() exitCode=%d want 1", exitCode)
		}
	})
	if !strings.Contains(stderr, "unknown shorthand flag") {
		t.Fatalf("expected parser failure routed to stderr, got %q", stderr)
	}
}

func TestRootHasCoordinatorFlags(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	for _, name := range []string{"listen", "metrics-listen", "ttl", "sweep-interval", "json-max", "acquire-timeout-default", "acquire-timeout-max", "log-level"} {
		if flag := root.Flags().Lookup(name); flag == nil {
			t.Fatalf("expected --%s flag on root command", name)
		}
	}
	if flag := root.PersistentFlags().Lookup("config"); flag == nil || flag.Shorthand != "c" {
		t.Fatalf("expected persistent -c/--config flag, got %#v", flag)
	}
}

func TestVersionSubcommandRegistered(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	found := false
	for _, sub := range root.Commands() {
		if sub.Name() == "version" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected version subcommand to be registered")
	}
}

func TestConfigSubcommandRegistered(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	found := false
	for _, sub := range root.Commands() {
		if sub.Name() == "config" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected config subcommand to be registered")
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	os.Stderr = w
	defer func() {
		os.Stderr = orig
	}()

	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	fn()
	_ = w.Close()
	return <-done
}
