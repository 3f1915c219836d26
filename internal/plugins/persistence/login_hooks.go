package persistence

import (
	"context"
	"errors"
	"io/fs"

	"github.com/ipsix/knockscan/internal/scanner"
)

var defaultLoginWindowPlists = []string{
	"/private/var/root/Library/Preferences/com.apple.loginwindow.plist",
	"/Library/Preferences/com.apple.loginwindow.plist",
}

// LoginHooks reports scripts registered as loginwindow hooks.
type LoginHooks struct {
	files []string
}

func (l *LoginHooks) Name() string { return "persistence.login_hooks" }

func (l *LoginHooks) Init(config map[string]interface{}) error {
	files, err := stringList(config, "paths", defaultLoginWindowPlists)
	if err != nil {
		return err
	}
	l.files = files
	return nil
}

func (l *LoginHooks) Enumerate(ctx context.Context) (*scanner.Enumeration, error) {
	out := &scanner.Enumeration{}
	for _, file := range expand(l.files) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		doc, err := readPlist(file)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				out.Fail(file, err)
			}
			continue
		}
		for _, key := range []string{"LoginHook", "LogoutHook"} {
			if hook := plistString(doc, key); hook != "" {
				out.Add(scanner.Candidate{
					Kind:     scanner.KindFile,
					Name:     key,
					Path:     hook,
					Metadata: map[string]interface{}{"plist": file},
				})
			}
		}
	}
	return out, nil
}
