package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/ipsix/knockscan/internal/scanner"
)

// Serialize renders the report as text. Output depends only on the report,
// so the same report always produces identical bytes.
func Serialize(r *ScanReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "KnockScan report %s\n", r.ID)
	fmt.Fprintf(&b, "generated: %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	if r.Host.Hostname != "" {
		fmt.Fprintf(&b, "host: %s (%s %s)\n", r.Host.Hostname, r.Host.Platform, r.Host.PlatformVersion)
	}
	fmt.Fprintf(&b, "filter known items: %t\n", r.Filtered)

	for _, s := range r.Sections {
		fmt.Fprintf(&b, "\n%s (%d %s)\n", strings.ToUpper(s.Name), s.Total, plural(s.Total))
		for _, item := range s.Items {
			b.WriteString(itemLine(item))
			b.WriteByte('\n')
		}
	}

	if len(r.Diagnostics) > 0 {
		fmt.Fprintf(&b, "\nWARNINGS (%d)\n", len(r.Diagnostics))
		for _, d := range r.Diagnostics {
			fmt.Fprintf(&b, "%s %s: %s\n", d.Kind, firstNonEmpty(d.Plugin, d.Path), d.Message)
		}
	}

	fmt.Fprintf(&b, "\nTOTAL: %d (flagged: %d, new: %d)\n", r.GrandTotal, r.Flagged, r.New)
	return b.String()
}

func itemLine(item scanner.Item) string {
	target := item.Path
	switch item.Kind {
	case scanner.KindCommand:
		target = item.Command
	case scanner.KindExtension:
		target = fmt.Sprintf("%s [%s] %s", item.Name, item.ExtensionID, item.Browser)
	}
	digest := item.Digests.SHA1
	if digest == "" {
		digest = "-"
	}

	var flags []string
	if item.Whitelisted {
		flags = append(flags, "whitelisted")
	}
	if item.New {
		flags = append(flags, "new")
	}

	line := fmt.Sprintf("  %s | %s | %s | %s", target, digest, signingSummary(item), reputationSummary(item))
	if len(flags) > 0 {
		line += " | " + strings.Join(flags, ",")
	}
	return line
}

func signingSummary(item scanner.Item) string {
	if item.Kind != scanner.KindFile {
		return "n/a"
	}
	return item.Signing.String()
}

func reputationSummary(item scanner.Item) string {
	if item.Reputation == nil {
		return "n/a"
	}
	s := item.Reputation.Summary()
	if item.Reputation.Permalink != "" {
		s += " " + item.Reputation.Permalink
	}
	return s
}

func plural(n int) string {
	if n == 1 {
		return "item"
	}
	return "items"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
