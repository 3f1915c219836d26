package persistence

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ipsix/knockscan/internal/scanner"
)

var (
	defaultTabDirs     = []string{"/usr/lib/cron/tabs", "/var/at/tabs", "/var/spool/cron/crontabs"}
	defaultSystemTabs  = []string{"/etc/crontab"}
	errMissingSchedule = errors.New("missing schedule")
)

// CronJobs reports scheduled commands from per-user tabs and the system
// crontab. System tabs carry a user column, per-user tabs do not.
type CronJobs struct {
	tabDirs    []string
	systemTabs []string
	now        func() time.Time
}

func (c *CronJobs) Name() string { return "persistence.cron_jobs" }

func (c *CronJobs) Init(config map[string]interface{}) error {
	var err error
	if c.tabDirs, err = stringList(config, "tab_dirs", defaultTabDirs); err != nil {
		return err
	}
	if c.systemTabs, err = stringList(config, "system_tabs", defaultSystemTabs); err != nil {
		return err
	}
	if c.now == nil {
		c.now = time.Now
	}
	return nil
}

func (c *CronJobs) Enumerate(ctx context.Context) (*scanner.Enumeration, error) {
	out := &scanner.Enumeration{}
	for _, dir := range expand(c.tabDirs) {
		entries, err := readDir(dir)
		if err != nil {
			out.Fail(dir, err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := c.readTab(ctx, filepath.Join(dir, entry.Name()), entry.Name(), out); err != nil {
				return out, err
			}
		}
	}
	for _, tab := range expand(c.systemTabs) {
		if err := c.readTab(ctx, tab, "", out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// readTab adds one candidate per job line. Only cancellation is returned;
// unreadable files and bad lines are recorded on the enumeration.
func (c *CronJobs) readTab(ctx context.Context, path, user string, out *scanner.Enumeration) error {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			out.Fail(path, err)
		}
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || isEnvAssignment(line) {
			continue
		}
		job, err := parseCronLine(line, user == "")
		if err != nil {
			out.Fail(path, fmt.Errorf("line %d: %w", lineNo, err))
			continue
		}
		owner := user
		if owner == "" {
			owner = job.user
		}
		meta := map[string]interface{}{
			"tab":      path,
			"user":     owner,
			"schedule": job.spec,
		}
		if job.spec == "@reboot" {
			meta["at_boot"] = true
		} else {
			sched, err := cron.ParseStandard(job.spec)
			if err != nil {
				out.Fail(path, fmt.Errorf("line %d: %w", lineNo, err))
				continue
			}
			meta["next_run"] = sched.Next(c.now()).UTC().Format(time.RFC3339)
		}
		out.Add(scanner.Candidate{
			Kind:     scanner.KindCommand,
			Name:     owner,
			Path:     path,
			Command:  job.command,
			Metadata: meta,
		})
	}
	if err := sc.Err(); err != nil {
		out.Fail(path, err)
	}
	return nil
}

type cronLine struct {
	spec    string
	user    string
	command string
}

func parseCronLine(line string, withUser bool) (cronLine, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return cronLine{}, errMissingSchedule
	}
	specFields := 5
	if strings.HasPrefix(fields[0], "@") {
		specFields = 1
	}
	need := specFields + 1
	if withUser {
		need++
	}
	if len(fields) < need {
		return cronLine{}, fmt.Errorf("incomplete job %q", line)
	}
	job := cronLine{spec: strings.Join(fields[:specFields], " ")}
	rest := fields[specFields:]
	if withUser {
		job.user = rest[0]
		rest = rest[1:]
	}
	job.command = strings.Join(rest, " ")
	return job, nil
}

func isEnvAssignment(line string) bool {
	eq := strings.IndexByte(line, '=')
	if eq <= 0 {
		return false
	}
	return !strings.ContainsAny(line[:eq], " \t*@")
}
