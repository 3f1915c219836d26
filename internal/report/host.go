package report

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/host"
)

// CollectHost reads host identity for the report header. A failed lookup
// falls back to the hostname alone.
func CollectHost(ctx context.Context) Host {
	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		name, _ := os.Hostname()
		return Host{Hostname: name}
	}
	return Host{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
	}
}
