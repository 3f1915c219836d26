package persistence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"howett.net/plist"
)

// stringList reads a list option from plugin config. Decoded JSON arrives as
// []interface{}, code-built config as []string.
func stringList(config map[string]interface{}, key string, defaults []string) ([]string, error) {
	raw, ok := config[key]
	if !ok {
		return append([]string(nil), defaults...), nil
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		out = append(out, v...)
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings", key)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a list of strings", key)
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned, nil
}

// expand resolves ~ and glob patterns into existing paths, sorted and
// deduplicated. Patterns that match nothing are dropped.
func expand(patterns []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range patterns {
		if strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		matches := []string{p}
		if strings.ContainsAny(p, "*?[") {
			m, err := filepath.Glob(p)
			if err != nil {
				continue
			}
			matches = m
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// readDir lists a root. A missing root is not an error: most hosts lack
// some of the default locations.
func readDir(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

func readPlist(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if _, err := plist.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode plist: %w", err)
	}
	return doc, nil
}

func plistString(doc map[string]interface{}, key string) string {
	s, _ := doc[key].(string)
	return strings.TrimSpace(s)
}

func plistBool(doc map[string]interface{}, key string) bool {
	b, _ := doc[key].(bool)
	return b
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
