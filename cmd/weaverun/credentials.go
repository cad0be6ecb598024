package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// providerConfigFile mirrors the reference codebase's
// ~/.petalflow/config.json shape, renamed to this driver's own env/file
// namespace.
type providerConfigFile struct {
	Providers map[string]string `json:"providers"`
}

// resolveProviderCredentials builds a name -> API key map from, in
// ascending priority: a config file, WEAVERUN_PROVIDER_<NAME>_API_KEY
// environment variables, then --provider-key flags. Grounded on the
// reference codebase's hydrate.ResolveProviders cascade.
func resolveProviderCredentials(flagPairs []string) (map[string]string, error) {
	creds := make(map[string]string)

	cfg, err := loadProviderConfigFile()
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		for name, key := range cfg.Providers {
			creds[name] = key
		}
	}

	const envPrefix = "WEAVERUN_PROVIDER_"
	const envSuffix = "_API_KEY"
	for _, kv := range os.Environ() {
		name, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) || !strings.HasSuffix(name, envSuffix) {
			continue
		}
		providerName := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(name, envPrefix), envSuffix))
		creds[providerName] = val
	}

	for _, pair := range flagPairs {
		name, key, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --provider-key %q, expected name=apikey", pair)
		}
		creds[name] = key
	}

	return creds, nil
}

func loadProviderConfigFile() (*providerConfigFile, error) {
	path := os.Getenv("WEAVERUN_CONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		path = filepath.Join(home, ".weaverun", "config.json")
	}

	data, err := os.ReadFile(path) // #nosec G304 -- well-known config location
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg providerConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &cfg, nil
}
