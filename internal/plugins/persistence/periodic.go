package persistence

import (
	"context"
	"path/filepath"

	"github.com/ipsix/knockscan/internal/scanner"
)

var (
	defaultPeriodicDirs = []string{"/etc/periodic/daily", "/etc/periodic/weekly", "/etc/periodic/monthly"}
	defaultRCScripts    = []string{"/etc/rc.common", "/etc/rc.local"}
)

// PeriodicScripts reports the periodic(8) scripts and rc startup files.
type PeriodicScripts struct {
	dirs  []string
	files []string
}

func (p *PeriodicScripts) Name() string { return "persistence.periodic_scripts" }

func (p *PeriodicScripts) Init(config map[string]interface{}) error {
	var err error
	if p.dirs, err = stringList(config, "dirs", defaultPeriodicDirs); err != nil {
		return err
	}
	if p.files, err = stringList(config, "files", defaultRCScripts); err != nil {
		return err
	}
	return nil
}

func (p *PeriodicScripts) Enumerate(ctx context.Context) (*scanner.Enumeration, error) {
	out := &scanner.Enumeration{}
	for _, dir := range expand(p.dirs) {
		entries, err := readDir(dir)
		if err != nil {
			out.Fail(dir, err)
			continue
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			path := filepath.Join(dir, entry.Name())
			if !isRegular(path) {
				continue
			}
			out.Add(scanner.Candidate{
				Kind:     scanner.KindFile,
				Name:     entry.Name(),
				Path:     path,
				Metadata: map[string]interface{}{"period": filepath.Base(dir)},
			})
		}
	}
	for _, file := range expand(p.files) {
		if isRegular(file) {
			out.Add(scanner.Candidate{Kind: scanner.KindFile, Name: filepath.Base(file), Path: file})
		}
	}
	return out, nil
}
