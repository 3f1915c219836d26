package identity

import (
	"context"
	"os"
	"time"
)

// Identity is the full fingerprint of one file on disk.
type Identity struct {
	Digests Digests
	Signing Signing
	ModTime time.Time
}

// Identify hashes path and checks its signature. A signing failure is not
// an identification failure: the status is recorded as unknown.
func Identify(ctx context.Context, path string, verifier Verifier) (Identity, error) {
	digests, err := HashFile(ctx, path)
	if err != nil {
		return Identity{}, err
	}
	if verifier == nil {
		verifier = NopVerifier{}
	}
	signing, err := verifier.Verify(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return Identity{}, ctx.Err()
		}
		signing = Signing{Status: SigningUnknown}
	}
	id := Identity{Digests: digests, Signing: signing}
	if info, err := os.Stat(path); err == nil {
		id.ModTime = info.ModTime().UTC()
	}
	return id, nil
}
