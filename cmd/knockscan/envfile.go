package main

import (
	"os"
	"strings"
)

// loadEnvFile sets KEY=VALUE pairs from path and returns a func restoring
// the previous environment.
func loadEnvFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	previous := map[string]*string{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, seen := previous[key]; !seen {
			if existing, ok := os.LookupEnv(key); ok {
				prev := existing
				previous[key] = &prev
			} else {
				previous[key] = nil
			}
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(value), `"`))
	}
	return func() {
		for key, value := range previous {
			if value == nil {
				_ = os.Unsetenv(key)
				continue
			}
			_ = os.Setenv(key, *value)
		}
	}, nil
}
