package persistence

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipsix/knockscan/internal/scanner"
)

var defaultUnitDirs = []string{
	"/etc/systemd/system",
	"/lib/systemd/system",
	"/usr/lib/systemd/system",
	"/home/*/.config/systemd/user",
}

// SystemdUnits reports the binaries started by systemd service units.
type SystemdUnits struct {
	dirs []string
}

func (s *SystemdUnits) Name() string { return "persistence.systemd_units" }

func (s *SystemdUnits) Init(config map[string]interface{}) error {
	dirs, err := stringList(config, "paths", defaultUnitDirs)
	if err != nil {
		return err
	}
	s.dirs = dirs
	return nil
}

func (s *SystemdUnits) Enumerate(ctx context.Context) (*scanner.Enumeration, error) {
	out := &scanner.Enumeration{}
	seen := map[string]struct{}{}
	for _, dir := range expand(s.dirs) {
		entries, err := readDir(dir)
		if err != nil {
			out.Fail(dir, err)
			continue
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			if !strings.HasSuffix(entry.Name(), ".service") {
				continue
			}
			if _, dup := seen[entry.Name()]; dup {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			unit, err := parseUnit(path)
			if err != nil {
				out.Fail(path, err)
				continue
			}
			if unit.exec == "" {
				continue
			}
			seen[entry.Name()] = struct{}{}
			out.Add(scanner.Candidate{
				Kind: scanner.KindFile,
				Name: strings.TrimSuffix(entry.Name(), ".service"),
				Path: unit.exec,
				Metadata: map[string]interface{}{
					"unit":        path,
					"description": unit.description,
					"exec_start":  unit.execLine,
				},
			})
		}
	}
	return out, nil
}

type unitFile struct {
	description string
	execLine    string
	exec        string
}

func parseUnit(path string) (unitFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return unitFile{}, err
	}
	defer f.Close()

	var u unitFile
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Description":
			u.description = strings.TrimSpace(value)
		case "ExecStart":
			if u.exec != "" {
				continue
			}
			value = strings.TrimSpace(value)
			fields := strings.Fields(strings.TrimLeft(value, "-@:+!"))
			if len(fields) > 0 {
				u.execLine = value
				u.exec = fields[0]
			}
		}
	}
	return u, sc.Err()
}
