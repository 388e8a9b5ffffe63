package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "tools", "call"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestBuildServeCmdFlags(t *testing.T) {
	cmd := buildServeCmd()
	for _, name := range []string{"config", "listen", "debug"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("serve is missing flag --%s", name)
		}
	}
	if got := cmd.Flags().Lookup("listen").DefValue; got != ":8080" {
		t.Errorf("serve --listen default = %q, want :8080", got)
	}
}

func TestBuildCallCmdRequiresToolArg(t *testing.T) {
	cmd := buildCallCmd()
	if err := cmd.Args(cmd, []string{}); err == nil {
		t.Error("call accepted zero arguments")
	}
	if err := cmd.Args(cmd, []string{"search"}); err != nil {
		t.Errorf("call rejected a single tool argument: %v", err)
	}
}
