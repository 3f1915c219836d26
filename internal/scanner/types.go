package scanner

import (
	"context"
	"time"

	"github.com/ipsix/knockscan/internal/identity"
	"github.com/ipsix/knockscan/internal/reputation"
)

// Plugin enumerates one kind of persistence mechanism. Implementations keep
// no state between scans; Init is called once at registry construction.
type Plugin interface {
	Name() string
	Init(config map[string]interface{}) error
	Enumerate(ctx context.Context) (*Enumeration, error)
}

type Kind string

const (
	KindFile      Kind = "file"
	KindCommand   Kind = "command"
	KindExtension Kind = "extension"
)

// Candidate is a raw item as reported by a plugin, before identification.
type Candidate struct {
	Kind        Kind
	Name        string
	Path        string
	Command     string
	ExtensionID string
	Browser     string
	Metadata    map[string]interface{}
}

// Enumeration is the output of one plugin run. Errors holds failures for
// individual candidates that did not stop the plugin.
type Enumeration struct {
	Candidates []Candidate
	Errors     []error
}

func (e *Enumeration) Add(c Candidate) {
	e.Candidates = append(e.Candidates, c)
}

func (e *Enumeration) Fail(path string, err error) {
	e.Errors = append(e.Errors, &ItemIOError{Path: path, Op: "enumerate", Err: err})
}

// Item is a candidate after identification, owned by exactly one category.
type Item struct {
	Name        string                 `json:"name"`
	Path        string                 `json:"path"`
	Kind        Kind                   `json:"kind"`
	Plugin      string                 `json:"plugin"`
	Category    string                 `json:"category"`
	Command     string                 `json:"command,omitempty"`
	ExtensionID string                 `json:"extension_id,omitempty"`
	Browser     string                 `json:"browser,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Digests     identity.Digests       `json:"digests"`
	Signing     identity.Signing       `json:"signing"`
	ModTime     time.Time              `json:"mod_time"`
	Whitelisted bool                   `json:"whitelisted"`
	New         bool                   `json:"new"`
	Reputation  *reputation.Result     `json:"reputation,omitempty"`
}

// Key is the identity used for whitelisting and change detection: the
// extension id for extensions and the SHA-1 digest otherwise.
func (i Item) Key() string {
	if i.Kind == KindExtension {
		return i.ExtensionID
	}
	return i.Digests.SHA1
}

// Category groups the plugins enumerating one persistence mechanism.
type Category struct {
	ID          string
	Name        string
	Description string
	Plugins     []Plugin
	Enabled     bool
}
