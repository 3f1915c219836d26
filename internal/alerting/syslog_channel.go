package alerting

import (
	"fmt"
	"log/syslog"
)

type SyslogChannel struct {
	writer   *syslog.Writer
	severity []string
}

// NewSyslogChannel never fails. If syslog is unreachable, every Send
// reports the error instead.
func NewSyslogChannel(network, address, tag string, severity []string) *SyslogChannel {
	if network == "" {
		network = "unixgram"
	}
	if address == "" {
		address = "/dev/log"
	}
	if tag == "" {
		tag = "knockscan"
	}
	writer, _ := syslog.Dial(network, address, syslog.LOG_AUTH|syslog.LOG_WARNING, tag)
	return &SyslogChannel{writer: writer, severity: severity}
}

func (s *SyslogChannel) Name() string { return "syslog" }

func (s *SyslogChannel) Send(alert Alert) error {
	if !severityAllowed(s.severity, alert.Severity) {
		return nil
	}
	if s.writer == nil {
		return fmt.Errorf("syslog writer not available")
	}
	msg := fmt.Sprintf("[%s] %s %s (%s) %s", alert.Severity, alert.Category, alert.Path, alert.Detection, alert.Reason)
	switch alert.Severity {
	case SeverityCritical:
		return s.writer.Crit(msg)
	case SeverityHigh:
		return s.writer.Err(msg)
	case SeverityMedium:
		return s.writer.Warning(msg)
	default:
		return s.writer.Info(msg)
	}
}
