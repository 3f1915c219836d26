package scanner

import (
	"fmt"

	"github.com/ipsix/knockscan/internal/identity"
)

// ItemIOError reports a single item that could not be read or identified.
// The item is dropped; the scan continues.
type ItemIOError = identity.ItemIOError

// PluginError isolates the failure of one plugin to its own contribution.
type PluginError struct {
	Plugin   string
	Category string
	Err      error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s (%s): %v", e.Plugin, e.Category, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// RegistryConfigError is fatal: the registry cannot produce a scan.
type RegistryConfigError struct {
	Reason string
}

func (e *RegistryConfigError) Error() string {
	return "registry misconfigured: " + e.Reason
}
