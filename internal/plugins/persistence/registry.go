package persistence

import (
	"fmt"

	"github.com/ipsix/knockscan/internal/config"
	"github.com/ipsix/knockscan/internal/scanner"
)

type definition struct {
	id          string
	name        string
	description string
	plugins     func() []scanner.Plugin
}

// definitions is the fixed category order of every report.
var definitions = []definition{
	{"authorization_plugins", "Authorization Plugins", "registered custom authorization bundles",
		func() []scanner.Plugin { return []scanner.Plugin{NewAuthorizationPlugins()} }},
	{"browser_extensions", "Browser Extensions", "plugins/extensions hosted in the browser",
		func() []scanner.Plugin { return []scanner.Plugin{&BrowserExtensions{}} }},
	{"cron_jobs", "Cron Jobs", "current user's cron jobs and system crontab",
		func() []scanner.Plugin { return []scanner.Plugin{&CronJobs{}} }},
	{"kernel_extensions", "Kernel Extensions", "modules that are loaded into the kernel",
		func() []scanner.Plugin { return []scanner.Plugin{NewKernelExtensions()} }},
	{"launch_items", "Launch Items", "daemons and agents loaded by launchd",
		func() []scanner.Plugin { return []scanner.Plugin{&LaunchItems{}} }},
	{"login_hooks", "Login Hooks", "items executed upon login or logout",
		func() []scanner.Plugin { return []scanner.Plugin{&LoginHooks{}} }},
	{"periodic_scripts", "Periodic Scripts", "periodic and rc scripts run by the system",
		func() []scanner.Plugin { return []scanner.Plugin{&PeriodicScripts{}} }},
	{"spotlight_importers", "Spotlight Importers", "bundles loaded by spotlight (mdworker)",
		func() []scanner.Plugin { return []scanner.Plugin{NewSpotlightImporters()} }},
	{"system_services", "System Services", "service units started by systemd",
		func() []scanner.Plugin { return []scanner.Plugin{&SystemdUnits{}} }},
}

// CategoryIDs lists the built-in categories in report order.
func CategoryIDs() []string {
	ids := make([]string, 0, len(definitions))
	for _, d := range definitions {
		ids = append(ids, d.id)
	}
	return ids
}

// DefaultRegistry builds the built-in categories. Every category is enabled
// unless its settings disable it; settings for unknown ids are rejected.
func DefaultRegistry(settings map[string]config.CategoryConfig) (*scanner.Registry, error) {
	known := map[string]struct{}{}
	for _, d := range definitions {
		known[d.id] = struct{}{}
	}
	for id := range settings {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("unknown category %q", id)
		}
	}

	reg := scanner.NewRegistry()
	for _, d := range definitions {
		set := settings[d.id]
		plugins := d.plugins()
		for _, p := range plugins {
			opts := set.Config
			if opts == nil {
				opts = map[string]interface{}{}
			}
			if err := p.Init(opts); err != nil {
				return nil, fmt.Errorf("init %s: %w", p.Name(), err)
			}
		}
		if err := reg.Register(scanner.Category{
			ID:          d.id,
			Name:        d.name,
			Description: d.description,
			Plugins:     plugins,
			Enabled:     set.IsEnabled(),
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
