package main

import "testing"

func TestResolveProviderCredentials_FlagOverridesEverythingElse(t *testing.T) {
	t.Setenv("WEAVERUN_CONFIG", "/nonexistent/weaverun-config.json")
	t.Setenv("WEAVERUN_PROVIDER_OPENAI_API_KEY", "from-env")

	creds, err := resolveProviderCredentials([]string{"openai=from-flag"})
	if err != nil {
		t.Fatalf("resolveProviderCredentials: %v", err)
	}
	if creds["openai"] != "from-flag" {
		t.Fatalf("expected flag to win, got %q", creds["openai"])
	}
}

func TestResolveProviderCredentials_EnvFallback(t *testing.T) {
	t.Setenv("WEAVERUN_CONFIG", "/nonexistent/weaverun-config.json")
	t.Setenv("WEAVERUN_PROVIDER_ANTHROPIC_API_KEY", "from-env")

	creds, err := resolveProviderCredentials(nil)
	if err != nil {
		t.Fatalf("resolveProviderCredentials: %v", err)
	}
	if creds["anthropic"] != "from-env" {
		t.Fatalf("expected env var to populate credential, got %q", creds["anthropic"])
	}
}

func TestResolveProviderCredentials_InvalidFlagPair(t *testing.T) {
	if _, err := resolveProviderCredentials([]string{"no-equals-sign"}); err == nil {
		t.Fatal("expected an error for a malformed --provider-key pair")
	}
}
