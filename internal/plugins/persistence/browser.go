package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ipsix/knockscan/internal/scanner"
)

var (
	defaultChromiumDirs = []string{
		"/Users/*/Library/Application Support/Google/Chrome/*/Extensions",
		"/Users/*/Library/Application Support/BraveSoftware/Brave-Browser/*/Extensions",
		"/Users/*/Library/Application Support/Microsoft Edge/*/Extensions",
		"/Users/*/Library/Application Support/Chromium/*/Extensions",
		"/home/*/.config/google-chrome/*/Extensions",
		"/home/*/.config/chromium/*/Extensions",
	}
	defaultFirefoxFiles = []string{
		"/Users/*/Library/Application Support/Firefox/Profiles/*/extensions.json",
		"/home/*/.mozilla/firefox/*/extensions.json",
	}
)

// BrowserExtensions reports installed extensions for Chromium-family
// browsers and Firefox. Items are identified by extension id.
type BrowserExtensions struct {
	chromiumDirs []string
	firefoxFiles []string
}

func (b *BrowserExtensions) Name() string { return "persistence.browser_extensions" }

func (b *BrowserExtensions) Init(config map[string]interface{}) error {
	var err error
	if b.chromiumDirs, err = stringList(config, "chromium_paths", defaultChromiumDirs); err != nil {
		return err
	}
	if b.firefoxFiles, err = stringList(config, "firefox_paths", defaultFirefoxFiles); err != nil {
		return err
	}
	return nil
}

func (b *BrowserExtensions) Enumerate(ctx context.Context) (*scanner.Enumeration, error) {
	out := &scanner.Enumeration{}
	for _, dir := range expand(b.chromiumDirs) {
		if err := b.chromium(ctx, dir, out); err != nil {
			return out, err
		}
	}
	for _, file := range expand(b.firefoxFiles) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		b.firefox(file, out)
	}
	return out, nil
}

type chromiumManifest struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Description   string `json:"description"`
	DefaultLocale string `json:"default_locale"`
}

func (b *BrowserExtensions) chromium(ctx context.Context, dir string, out *scanner.Enumeration) error {
	entries, err := readDir(dir)
	if err != nil {
		out.Fail(dir, err)
		return nil
	}
	browser := browserFromPath(dir)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() || entry.Name() == "Temp" {
			continue
		}
		id := entry.Name()
		versionDir, err := latestVersionDir(filepath.Join(dir, id))
		if err != nil {
			out.Fail(filepath.Join(dir, id), err)
			continue
		}
		manifestPath := filepath.Join(versionDir, "manifest.json")
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			out.Fail(manifestPath, err)
			continue
		}
		var m chromiumManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			out.Fail(manifestPath, fmt.Errorf("decode manifest: %w", err))
			continue
		}
		out.Add(scanner.Candidate{
			Kind:        scanner.KindExtension,
			Name:        localizedName(versionDir, m),
			Path:        versionDir,
			ExtensionID: id,
			Browser:     browser,
			Metadata: map[string]interface{}{
				"version":     m.Version,
				"description": m.Description,
				"manifest":    manifestPath,
			},
		})
	}
	return nil
}

// latestVersionDir picks the highest version directory of an extension.
func latestVersionDir(extDir string) (string, error) {
	entries, err := os.ReadDir(extDir)
	if err != nil {
		return "", err
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	if len(versions) == 0 {
		return "", errors.New("no installed version")
	}
	sort.Slice(versions, func(i, j int) bool { return versionLess(versions[i], versions[j]) })
	return filepath.Join(extDir, versions[len(versions)-1]), nil
}

// versionLess compares dotted versions numerically where possible.
// Chromium appends an install suffix such as 1.2.3_0.
func versionLess(a, b string) bool {
	pa := strings.FieldsFunc(a, func(r rune) bool { return r == '.' || r == '_' })
	pb := strings.FieldsFunc(b, func(r rune) bool { return r == '.' || r == '_' })
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] == pb[i] {
			continue
		}
		var na, nb int
		_, errA := fmt.Sscanf(pa[i], "%d", &na)
		_, errB := fmt.Sscanf(pb[i], "%d", &nb)
		if errA == nil && errB == nil && na != nb {
			return na < nb
		}
		return pa[i] < pb[i]
	}
	return len(pa) < len(pb)
}

// localizedName resolves __MSG_key__ names through the default locale.
func localizedName(versionDir string, m chromiumManifest) string {
	name := m.Name
	if !strings.HasPrefix(name, "__MSG_") || !strings.HasSuffix(name, "__") || m.DefaultLocale == "" {
		return name
	}
	key := strings.TrimSuffix(strings.TrimPrefix(name, "__MSG_"), "__")
	raw, err := os.ReadFile(filepath.Join(versionDir, "_locales", m.DefaultLocale, "messages.json"))
	if err != nil {
		return name
	}
	var messages map[string]struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &messages); err != nil {
		return name
	}
	for k, v := range messages {
		if strings.EqualFold(k, key) && v.Message != "" {
			return v.Message
		}
	}
	return name
}

func browserFromPath(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "brave"):
		return "Brave"
	case strings.Contains(lower, "edge"):
		return "Edge"
	case strings.Contains(lower, "google/chrome"), strings.Contains(lower, "google-chrome"):
		return "Chrome"
	default:
		return "Chromium"
	}
}

type firefoxAddons struct {
	Addons []struct {
		ID            string `json:"id"`
		Type          string `json:"type"`
		Version       string `json:"version"`
		Path          string `json:"path"`
		Location      string `json:"location"`
		Active        bool   `json:"active"`
		DefaultLocale struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"defaultLocale"`
	} `json:"addons"`
}

func (b *BrowserExtensions) firefox(file string, out *scanner.Enumeration) {
	raw, err := os.ReadFile(file)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			out.Fail(file, err)
		}
		return
	}
	var doc firefoxAddons
	if err := json.Unmarshal(raw, &doc); err != nil {
		out.Fail(file, fmt.Errorf("decode extensions.json: %w", err))
		return
	}
	for _, addon := range doc.Addons {
		if addon.Type != "extension" || addon.ID == "" || strings.HasPrefix(addon.Location, "app-") {
			continue
		}
		name := addon.DefaultLocale.Name
		if name == "" {
			name = addon.ID
		}
		out.Add(scanner.Candidate{
			Kind:        scanner.KindExtension,
			Name:        name,
			Path:        addon.Path,
			ExtensionID: addon.ID,
			Browser:     "Firefox",
			Metadata: map[string]interface{}{
				"version":     addon.Version,
				"description": addon.DefaultLocale.Description,
				"active":      addon.Active,
				"profile":     filepath.Dir(file),
			},
		})
	}
}
