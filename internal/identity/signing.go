package identity

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

type SigningStatus string

const (
	SigningUnknown   SigningStatus = "unknown"
	SigningUnsigned  SigningStatus = "unsigned"
	SigningApple     SigningStatus = "apple"
	SigningDeveloper SigningStatus = "developer"
	SigningInvalid   SigningStatus = "invalid"
)

type Signing struct {
	Status      SigningStatus `json:"signature_status"`
	Authorities []string      `json:"signing_authorities,omitempty"`
}

func (s Signing) String() string {
	if len(s.Authorities) == 0 {
		return string(s.Status)
	}
	return fmt.Sprintf("%s (%s)", s.Status, s.Authorities[0])
}

type Verifier interface {
	Verify(ctx context.Context, path string) (Signing, error)
}

// NopVerifier is used on hosts without a code-signing tool.
type NopVerifier struct{}

func (NopVerifier) Verify(_ context.Context, _ string) (Signing, error) {
	return Signing{Status: SigningUnknown}, nil
}

const (
	appleLeafAuthority = "Software Signing"
	appleRootAuthority = "Apple Root CA"
)

// CodesignVerifier shells out to codesign(1).
type CodesignVerifier struct {
	Runner Runner
	Tool   string
}

func NewCodesignVerifier(runner Runner) *CodesignVerifier {
	if runner == nil {
		runner = OSRunner{}
	}
	return &CodesignVerifier{Runner: runner, Tool: "codesign"}
}

// DefaultVerifier returns a codesign verifier when the tool is on PATH.
func DefaultVerifier(runner Runner) Verifier {
	if runner == nil {
		runner = OSRunner{}
	}
	if _, err := runner.LookPath("codesign"); err != nil {
		return NopVerifier{}
	}
	return NewCodesignVerifier(runner)
}

func (c *CodesignVerifier) Verify(ctx context.Context, path string) (Signing, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Signing{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Signing{}, &ItemIOError{Path: path, Op: "stat", Err: err}
	}

	out, err := c.Runner.Run(ctx, c.Tool, "-dvv", "--verbose=4", path)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Signing{}, ctxErr
	}
	if err != nil {
		if bytes.Contains(out, []byte("not signed")) {
			return Signing{Status: SigningUnsigned}, nil
		}
		return Signing{Status: SigningInvalid}, nil
	}
	authorities := parseAuthorities(out)

	if _, err := c.Runner.Run(ctx, c.Tool, "--verify", "--strict", path); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Signing{}, ctxErr
		}
		return Signing{Status: SigningInvalid, Authorities: authorities}, nil
	}
	return Signing{Status: classify(authorities), Authorities: authorities}, nil
}

func parseAuthorities(out []byte) []string {
	var authorities []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "Authority="); ok {
			authorities = append(authorities, v)
		}
	}
	return authorities
}

// classify treats a chain rooted at Apple with Apple's own leaf as platform
// signed. Ad-hoc signatures have no chain and count as developer signed.
func classify(authorities []string) SigningStatus {
	if len(authorities) == 0 {
		return SigningDeveloper
	}
	if authorities[0] == appleLeafAuthority && authorities[len(authorities)-1] == appleRootAuthority {
		return SigningApple
	}
	return SigningDeveloper
}
