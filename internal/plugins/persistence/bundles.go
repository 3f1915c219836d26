package persistence

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/ipsix/knockscan/internal/scanner"
)

// BundlePlugin reports the executables inside loadable bundles such as
// kernel extensions, authorization plugins and spotlight importers.
type BundlePlugin struct {
	name     string
	suffix   string
	defaults []string
	dirs     []string
}

func NewKernelExtensions() *BundlePlugin {
	return &BundlePlugin{
		name:     "persistence.kernel_extensions",
		suffix:   ".kext",
		defaults: []string{"/System/Library/Extensions", "/Library/Extensions"},
	}
}

func NewAuthorizationPlugins() *BundlePlugin {
	return &BundlePlugin{
		name:   "persistence.authorization_plugins",
		suffix: ".bundle",
		defaults: []string{
			"/System/Library/CoreServices/SecurityAgentPlugins",
			"/Library/Security/SecurityAgentPlugins",
		},
	}
}

func NewSpotlightImporters() *BundlePlugin {
	return &BundlePlugin{
		name:     "persistence.spotlight_importers",
		suffix:   ".mdimporter",
		defaults: []string{"/System/Library/Spotlight", "/Library/Spotlight", "/Users/*/Library/Spotlight"},
	}
}

func (b *BundlePlugin) Name() string { return b.name }

func (b *BundlePlugin) Init(config map[string]interface{}) error {
	dirs, err := stringList(config, "paths", b.defaults)
	if err != nil {
		return err
	}
	b.dirs = dirs
	return nil
}

func (b *BundlePlugin) Enumerate(ctx context.Context) (*scanner.Enumeration, error) {
	out := &scanner.Enumeration{}
	for _, dir := range expand(b.dirs) {
		entries, err := readDir(dir)
		if err != nil {
			out.Fail(dir, err)
			continue
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			if !entry.IsDir() || !strings.HasSuffix(entry.Name(), b.suffix) {
				continue
			}
			bundle := filepath.Join(dir, entry.Name())
			candidate, ok, err := bundleCandidate(bundle)
			if err != nil {
				out.Fail(bundle, err)
				continue
			}
			if ok {
				out.Add(candidate)
			}
		}
	}
	return out, nil
}

// bundleCandidate resolves the bundle executable from Contents/Info.plist.
// Bundles without an executable (codeless kexts) are skipped.
func bundleCandidate(bundle string) (scanner.Candidate, bool, error) {
	info, err := readPlist(filepath.Join(bundle, "Contents", "Info.plist"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return scanner.Candidate{}, false, nil
		}
		return scanner.Candidate{}, false, err
	}
	exe := plistString(info, "CFBundleExecutable")
	if exe == "" {
		return scanner.Candidate{}, false, nil
	}
	name := plistString(info, "CFBundleName")
	if name == "" {
		name = filepath.Base(bundle)
	}
	return scanner.Candidate{
		Kind: scanner.KindFile,
		Name: name,
		Path: filepath.Join(bundle, "Contents", "MacOS", exe),
		Metadata: map[string]interface{}{
			"bundle":     bundle,
			"identifier": plistString(info, "CFBundleIdentifier"),
			"version":    plistString(info, "CFBundleShortVersionString"),
		},
	}, true, nil
}
