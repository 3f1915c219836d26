package whitelist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const digestA = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"

func TestParseSkipsMalformedEntries(t *testing.T) {
	raw := `{
		"whitelistedFiles": ["AAF4C61DDCC5E8A2DABEDE0F3B482CD9AEA9434D", 42, "nothex", ""],
		"whitelistedCommands": "not-a-list",
		"whitelistedExtensions": ["nmmhkkegccagdldgiimedpiccmgmieda"]
	}`
	s := Parse([]byte(raw), nil)
	if !s.Contains(Files, digestA) {
		t.Fatalf("expected digest to be whitelisted (case-insensitive)")
	}
	counts := s.Counts()
	if counts[Files] != 1 || counts[Commands] != 0 || counts[Extensions] != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestParseCorruptDegradesToEmpty(t *testing.T) {
	s := Parse([]byte("{not json"), nil)
	if s.Contains(Files, digestA) {
		t.Fatalf("corrupt whitelist must not whitelist anything")
	}
	for set, n := range s.Counts() {
		if n != 0 {
			t.Fatalf("expected empty set %s, got %d", set, n)
		}
	}
}

func TestSetsArePartitioned(t *testing.T) {
	s := Parse([]byte(`{"whitelistedCommands": ["`+digestA+`"]}`), nil)
	if s.Contains(Files, digestA) {
		t.Fatalf("command digest must not match file set")
	}
	if !s.Contains(Commands, digestA) {
		t.Fatalf("expected command digest to match")
	}
}

func TestBundledLoads(t *testing.T) {
	s := Bundled(nil)
	if !s.Contains(Extensions, "nmmhkkegccagdldgiimedpiccmgmieda") {
		t.Fatalf("expected bundled extension whitelist entry")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.json")
	if err := os.WriteFile(path, []byte(`{"whitelistedFiles":["`+digestA+`"]}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadFile(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !s.Contains(Files, digestA) {
		t.Fatalf("expected digest from file")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
	r, err := Load(strings.NewReader(`{}`), nil)
	if err != nil || r.Contains(Files, digestA) {
		t.Fatalf("expected empty store from reader")
	}
}

func TestNilStoreContains(t *testing.T) {
	var s *Store
	if s.Contains(Files, digestA) {
		t.Fatalf("nil store must not contain anything")
	}
}
