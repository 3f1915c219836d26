package identity

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// ErrNotFound marks a path that disappeared between enumeration and hashing.
var ErrNotFound = errors.New("path not found")

const readChunk = 256 * 1024

type Digests struct {
	SHA1   string `json:"sha1"`
	MD5    string `json:"md5,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

func (d Digests) Empty() bool {
	return d.SHA1 == ""
}

// ItemIOError wraps a read failure for one path.
type ItemIOError struct {
	Path string
	Op   string
	Err  error
}

func (e *ItemIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ItemIOError) Unwrap() error { return e.Err }

// HashFile reads path once and returns all digests. The read stops early
// when ctx is cancelled.
func HashFile(ctx context.Context, path string) (Digests, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Digests{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Digests{}, &ItemIOError{Path: path, Op: "open", Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Digests{}, &ItemIOError{Path: path, Op: "stat", Err: err}
	}
	if info.IsDir() {
		return Digests{}, &ItemIOError{Path: path, Op: "hash", Err: errors.New("is a directory")}
	}

	d, err := hashReader(ctx, file)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Digests{}, err
		}
		return Digests{}, &ItemIOError{Path: path, Op: "read", Err: err}
	}
	return d, nil
}

// HashString digests a non-file identity such as a cron command line.
func HashString(s string) Digests {
	d, _ := hashReader(context.Background(), strings.NewReader(s))
	return d
}

func hashReader(ctx context.Context, r io.Reader) (Digests, error) {
	h1 := sha1.New()
	h5 := md5.New()
	h256 := sha256.New()
	w := io.MultiWriter(h1, h5, h256)

	buf := make([]byte, readChunk)
	if _, err := io.CopyBuffer(w, &ctxReader{ctx: ctx, r: r}, buf); err != nil {
		return Digests{}, err
	}
	return Digests{
		SHA1:   hex.EncodeToString(h1.Sum(nil)),
		MD5:    hex.EncodeToString(h5.Sum(nil)),
		SHA256: hex.EncodeToString(h256.Sum(nil)),
	}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
