package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/ipsix/knockscan/internal/scanner"
)

var defaultLaunchDirs = []string{
	"/System/Library/LaunchDaemons",
	"/System/Library/LaunchAgents",
	"/Library/LaunchDaemons",
	"/Library/LaunchAgents",
	"/Users/*/Library/LaunchAgents",
}

// LaunchItems reports the binaries launchd starts from property lists in the
// launch daemon and agent directories.
type LaunchItems struct {
	dirs []string
}

func (l *LaunchItems) Name() string { return "persistence.launch_items" }

func (l *LaunchItems) Init(config map[string]interface{}) error {
	dirs, err := stringList(config, "paths", defaultLaunchDirs)
	if err != nil {
		return err
	}
	l.dirs = dirs
	return nil
}

func (l *LaunchItems) Enumerate(ctx context.Context) (*scanner.Enumeration, error) {
	out := &scanner.Enumeration{}
	for _, dir := range expand(l.dirs) {
		entries, err := readDir(dir)
		if err != nil {
			out.Fail(dir, err)
			continue
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".plist") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			doc, err := readPlist(path)
			if err != nil {
				out.Fail(path, err)
				continue
			}
			program := launchProgram(doc)
			if program == "" {
				out.Fail(path, errors.New("no Program or ProgramArguments"))
				continue
			}
			label := plistString(doc, "Label")
			if label == "" {
				label = strings.TrimSuffix(entry.Name(), ".plist")
			}
			out.Add(scanner.Candidate{
				Kind: scanner.KindFile,
				Name: label,
				Path: program,
				Metadata: map[string]interface{}{
					"plist":       path,
					"run_at_load": plistBool(doc, "RunAtLoad"),
					"keep_alive":  doc["KeepAlive"] != nil,
					"disabled":    plistBool(doc, "Disabled"),
				},
			})
		}
	}
	return out, nil
}

func launchProgram(doc map[string]interface{}) string {
	if p := plistString(doc, "Program"); p != "" {
		return p
	}
	args, ok := doc["ProgramArguments"].([]interface{})
	if !ok || len(args) == 0 {
		return ""
	}
	first, _ := args[0].(string)
	return strings.TrimSpace(first)
}
