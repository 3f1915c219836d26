package detection

import (
	"path/filepath"
	"testing"

	"github.com/ipsix/knockscan/internal/identity"
	"github.com/ipsix/knockscan/internal/scanner"
	"github.com/ipsix/knockscan/internal/storage"
)

func item(category, sha1 string) scanner.Item {
	return scanner.Item{Category: category, Kind: scanner.KindFile, Digests: identity.Digests{SHA1: sha1}}
}

func TestFirstScanSeedsBaseline(t *testing.T) {
	store, err := storage.NewBadgerStore(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	mgr := NewManager(store)
	first := []scanner.Item{item("launch_items", "aaa"), item("cron_jobs", "bbb")}
	if err := mgr.Mark(first); err != nil {
		t.Fatalf("mark: %v", err)
	}
	for _, it := range first {
		if it.New {
			t.Fatalf("first scan must not mark items new")
		}
	}

	second := []scanner.Item{item("launch_items", "aaa"), item("launch_items", "ccc")}
	if err := mgr.Mark(second); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if second[0].New {
		t.Fatalf("known item marked new")
	}
	if !second[1].New {
		t.Fatalf("expected unseen item to be marked new")
	}

	entries, err := mgr.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 baseline entries, got %d", len(entries))
	}
}

func TestSameDigestDifferentCategoryIsNew(t *testing.T) {
	mgr := NewManager(storage.NewMemoryStore())
	if err := mgr.Mark([]scanner.Item{item("launch_items", "aaa")}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	moved := []scanner.Item{item("login_hooks", "aaa")}
	if err := mgr.Mark(moved); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !moved[0].New {
		t.Fatalf("expected item in a new category to be new")
	}
}

func TestResetForgetsBaseline(t *testing.T) {
	mgr := NewManager(storage.NewMemoryStore())
	if err := mgr.Mark([]scanner.Item{item("launch_items", "aaa")}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := mgr.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	again := []scanner.Item{item("launch_items", "zzz")}
	if err := mgr.Mark(again); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if again[0].New {
		t.Fatalf("scan after reset must only seed")
	}
}
