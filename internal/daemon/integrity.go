package daemon

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ipsix/knockscan/internal/identity"
)

// VerifySelfIntegrity compares the running binary's SHA-256 with expected.
func VerifySelfIntegrity(ctx context.Context, expected string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	return verifyFile(ctx, exe, expected)
}

func verifyFile(ctx context.Context, path, expected string) error {
	if expected == "" {
		return fmt.Errorf("self-integrity enabled without expected_sha256")
	}
	digests, err := identity.HashFile(ctx, path)
	if err != nil {
		return fmt.Errorf("hash executable: %w", err)
	}
	if !strings.EqualFold(digests.SHA256, expected) {
		return fmt.Errorf("self-integrity mismatch: expected %s got %s", expected, digests.SHA256)
	}
	return nil
}
