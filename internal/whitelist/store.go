package whitelist

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ipsix/knockscan/internal/logging"
)

//go:embed whitelist.json
var bundled []byte

type Set string

const (
	Files      Set = "whitelistedFiles"
	Commands   Set = "whitelistedCommands"
	Extensions Set = "whitelistedExtensions"
)

var sets = []Set{Files, Commands, Extensions}

// Store answers membership queries for known-good identities. It is never
// mutated after loading, so concurrent reads need no locking.
type Store struct {
	entries map[Set]map[string]struct{}
}

func Empty() *Store {
	s := &Store{entries: make(map[Set]map[string]struct{}, len(sets))}
	for _, set := range sets {
		s.entries[set] = map[string]struct{}{}
	}
	return s
}

// Bundled loads the whitelist compiled into the binary.
func Bundled(logger *logging.Logger) *Store {
	return Parse(bundled, logger)
}

// LoadFile reads an override whitelist. An unreadable file is an error; a
// corrupt one degrades to an empty store.
func LoadFile(path string, logger *logging.Logger) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read whitelist: %w", err)
	}
	return Parse(raw, logger), nil
}

func Load(r io.Reader, logger *logging.Logger) (*Store, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read whitelist: %w", err)
	}
	return Parse(raw, logger), nil
}

// Parse never fails. Malformed entries are skipped with a warning and a
// corrupt document yields an empty store.
func Parse(raw []byte, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := Empty()

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.Warn("whitelist is corrupt, nothing will be whitelisted", logging.Err(err))
		return s
	}

	for _, set := range sets {
		body, ok := doc[string(set)]
		if !ok {
			continue
		}
		var values []json.RawMessage
		if err := json.Unmarshal(body, &values); err != nil {
			logger.Warn("whitelist set is not a list", logging.Field{Key: "set", Value: string(set)}, logging.Err(err))
			continue
		}
		for i, value := range values {
			var entry string
			if err := json.Unmarshal(value, &entry); err != nil {
				logger.Warn("skipping malformed whitelist entry", logging.Field{Key: "set", Value: string(set)}, logging.Field{Key: "index", Value: i})
				continue
			}
			key, ok := normalize(set, entry)
			if !ok {
				logger.Warn("skipping malformed whitelist entry", logging.Field{Key: "set", Value: string(set)}, logging.Field{Key: "index", Value: i}, logging.Field{Key: "entry", Value: entry})
				continue
			}
			s.entries[set][key] = struct{}{}
		}
	}
	return s
}

func (s *Store) Contains(set Set, key string) bool {
	if s == nil {
		return false
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	_, ok := s.entries[set][key]
	return ok
}

func (s *Store) Counts() map[Set]int {
	out := make(map[Set]int, len(sets))
	for _, set := range sets {
		out[set] = len(s.entries[set])
	}
	return out
}

func normalize(set Set, entry string) (string, bool) {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if entry == "" {
		return "", false
	}
	switch set {
	case Files, Commands:
		return entry, isSHA1(entry)
	case Extensions:
		return entry, isExtensionID(entry)
	}
	return "", false
}

func isSHA1(v string) bool {
	if len(v) != 40 {
		return false
	}
	for _, r := range v {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// Chromium ids are 32 chars in a-p; Firefox ids are emails or braced uuids.
func isExtensionID(v string) bool {
	if strings.ContainsAny(v, " \t\n/") {
		return false
	}
	return len(v) >= 3
}
