package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeRunner struct {
	display    string
	displayErr error
	verifyErr  error
	missing    bool
	calls      []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	if args[0] == "--verify" {
		return nil, f.verifyErr
	}
	return []byte(f.display), f.displayErr
}

func (f *fakeRunner) LookPath(file string) (string, error) {
	if f.missing {
		return "", errors.New("not found")
	}
	return "/usr/bin/" + file, nil
}

func writeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bin")
	if err := os.WriteFile(path, []byte{0xcf, 0xfa, 0xed, 0xfe}, 0o700); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestCodesignApple(t *testing.T) {
	runner := &fakeRunner{display: "Executable=/bin/ls\nAuthority=Software Signing\nAuthority=Apple Code Signing Certification Authority\nAuthority=Apple Root CA\n"}
	s, err := NewCodesignVerifier(runner).Verify(context.Background(), writeBinary(t))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if s.Status != SigningApple || len(s.Authorities) != 3 {
		t.Fatalf("unexpected signing %+v", s)
	}
}

func TestCodesignDeveloper(t *testing.T) {
	runner := &fakeRunner{display: "Authority=Developer ID Application: Example (ABCDE12345)\nAuthority=Developer ID Certification Authority\nAuthority=Apple Root CA\n"}
	s, err := NewCodesignVerifier(runner).Verify(context.Background(), writeBinary(t))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if s.Status != SigningDeveloper {
		t.Fatalf("expected developer, got %s", s.Status)
	}
}

func TestCodesignUnsignedAndInvalid(t *testing.T) {
	path := writeBinary(t)
	unsigned := &fakeRunner{display: path + ": code object is not signed at all", displayErr: errors.New("exit 1")}
	s, err := NewCodesignVerifier(unsigned).Verify(context.Background(), path)
	if err != nil || s.Status != SigningUnsigned {
		t.Fatalf("expected unsigned, got %+v %v", s, err)
	}

	invalid := &fakeRunner{display: "Authority=Software Signing\nAuthority=Apple Root CA\n", verifyErr: errors.New("a sealed resource is missing or invalid")}
	s, err = NewCodesignVerifier(invalid).Verify(context.Background(), path)
	if err != nil || s.Status != SigningInvalid {
		t.Fatalf("expected invalid, got %+v %v", s, err)
	}
}

func TestCodesignMissingPath(t *testing.T) {
	_, err := NewCodesignVerifier(&fakeRunner{}).Verify(context.Background(), filepath.Join(t.TempDir(), "gone"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDefaultVerifierFallsBack(t *testing.T) {
	if _, ok := DefaultVerifier(&fakeRunner{missing: true}).(NopVerifier); !ok {
		t.Fatalf("expected NopVerifier without codesign")
	}
	if _, ok := DefaultVerifier(&fakeRunner{}).(*CodesignVerifier); !ok {
		t.Fatalf("expected CodesignVerifier when codesign is available")
	}
}
