package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ipsix/knockscan/internal/identity"
	"github.com/ipsix/knockscan/internal/report"
	"github.com/ipsix/knockscan/internal/reputation"
	"github.com/ipsix/knockscan/internal/scanner"
	"github.com/ipsix/knockscan/internal/whitelist"
)

type stubPlugin struct {
	name       string
	candidates []scanner.Candidate
	err        error
	panics     bool
	block      chan struct{}
}

func (s *stubPlugin) Name() string                          { return s.name }
func (s *stubPlugin) Init(_ map[string]interface{}) error { return nil }

func (s *stubPlugin) Enumerate(ctx context.Context) (*scanner.Enumeration, error) {
	if s.panics {
		panic("plugin exploded")
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := &scanner.Enumeration{}
	for _, c := range s.candidates {
		out.Add(c)
	}
	return out, nil
}

type fakeService struct {
	mu        sync.Mutex
	calls     int
	queried   []reputation.Query
	submitted []string
	flagged   map[string]bool
	err       error
}

func (f *fakeService) Query(_ context.Context, batch []reputation.Query) ([]reputation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.queried = append(f.queried, batch...)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]reputation.Result, 0, len(batch))
	for _, q := range batch {
		if f.flagged[q.Digest] {
			out = append(out, reputation.Result{Digest: q.Digest, Found: true, Positives: 5, Total: 70, Ratio: "5/70"})
		} else {
			out = append(out, reputation.Result{Digest: q.Digest, Found: false})
		}
	}
	return out, nil
}

func (f *fakeService) Submit(_ context.Context, path string) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, path)
	f.mu.Unlock()
	return nil
}

func (f *fakeService) Rescan(_ context.Context, _ string) error { return nil }

func (f *fakeService) sawDigest(digest string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queried {
		if q.Digest == digest {
			return true
		}
	}
	return false
}

type appleVerifier struct {
	apple map[string]bool
}

func (v appleVerifier) Verify(_ context.Context, path string) (identity.Signing, error) {
	if v.apple[path] {
		return identity.Signing{Status: identity.SigningApple, Authorities: []string{"Software Signing"}}, nil
	}
	return identity.Signing{Status: identity.SigningUnsigned}, nil
}

func writeBinary(t *testing.T, dir, name, content string) (string, string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	d, err := identity.HashFile(context.Background(), path)
	if err != nil {
		t.Fatalf("hash %s: %v", name, err)
	}
	return path, d.SHA1
}

func registryWith(t *testing.T, cats ...scanner.Category) *scanner.Registry {
	t.Helper()
	reg := scanner.NewRegistry()
	for _, c := range cats {
		c.Enabled = true
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.ID, err)
		}
	}
	return reg
}

func newTestOrchestrator(deps Deps, cfg Config) *Orchestrator {
	o := New(deps, cfg)
	o.hostInfo = func(context.Context) report.Host { return report.Host{Hostname: "test"} }
	return o
}

func newReputationClient(svc reputation.Service) *reputation.Client {
	return reputation.NewClient(svc, reputation.NewMemoryCache(), reputation.Config{
		MaxRetries: 1,
		Backoff:    time.Millisecond,
		MaxBackoff: time.Millisecond,
	}, nil)
}

func boolPtr(b bool) *bool { return &b }

func whitelistOf(t *testing.T, digests ...string) *whitelist.Store {
	t.Helper()
	raw := `{"whitelistedFiles":[`
	for i, d := range digests {
		if i > 0 {
			raw += ","
		}
		raw += fmt.Sprintf("%q", d)
	}
	raw += `],"whitelistedCommands":[],"whitelistedExtensions":[]}`
	return whitelist.Parse([]byte(raw), nil)
}

// Whitelisted A and flagged B under one launch items category.
func scenarioA(t *testing.T) (Deps, *fakeService, string, string) {
	dir := t.TempDir()
	pathA, shaA := writeBinary(t, dir, "a", "known good")
	pathB, shaB := writeBinary(t, dir, "b", "malware")
	plugin := &stubPlugin{name: "launch", candidates: []scanner.Candidate{
		{Kind: scanner.KindFile, Name: "A", Path: pathA},
		{Kind: scanner.KindFile, Name: "B", Path: pathB},
	}}
	svc := &fakeService{flagged: map[string]bool{shaB: true}}
	deps := Deps{
		Registry:   registryWith(t, scanner.Category{ID: "launch_items", Name: "Launch Items", Plugins: []scanner.Plugin{plugin}}),
		Whitelist:  whitelistOf(t, shaA),
		Reputation: newReputationClient(svc),
	}
	return deps, svc, shaA, shaB
}

func TestScanFiltersWhitelistedAndFlagsMalicious(t *testing.T) {
	deps, svc, _, shaB := scenarioA(t)
	o := newTestOrchestrator(deps, Config{FilterKnownItems: true, FilterAppleSigned: true})

	rep, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.GrandTotal != 1 {
		t.Fatalf("expected only B to remain, got %d items", rep.GrandTotal)
	}
	b := rep.Sections[0].Items[0]
	if b.Name != "B" || b.Digests.SHA1 != shaB {
		t.Fatalf("unexpected item %+v", b)
	}
	if b.Reputation == nil || !b.Reputation.Flagged() || b.Reputation.Ratio != "5/70" {
		t.Fatalf("expected flagged reputation, got %+v", b.Reputation)
	}
	if rep.Flagged != 1 {
		t.Fatalf("expected 1 flagged item, got %d", rep.Flagged)
	}
	if svc.calls != 1 {
		t.Fatalf("expected one reputation request, got %d", svc.calls)
	}
	if o.Status().State != StateCompleted || o.CurrentReport() != rep {
		t.Fatalf("expected completed state with current report")
	}
}

func TestScanWithoutFilterMarksWhitelisted(t *testing.T) {
	deps, _, shaA, _ := scenarioA(t)
	o := newTestOrchestrator(deps, Config{FilterKnownItems: true})

	rep, err := o.Run(context.Background(), Options{FilterKnownItems: boolPtr(false)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.GrandTotal != 2 || rep.Filtered {
		t.Fatalf("expected both items unfiltered, got %d filtered=%t", rep.GrandTotal, rep.Filtered)
	}
	a := rep.Sections[0].Items[0]
	if a.Digests.SHA1 != shaA || !a.Whitelisted {
		t.Fatalf("expected A first and marked whitelisted, got %+v", a)
	}
	if rep.Sections[0].Items[1].Whitelisted {
		t.Fatalf("B must not be whitelisted")
	}
	if a.Reputation != nil {
		t.Fatalf("whitelisted item must carry no reputation, got %+v", a.Reputation)
	}
}

func TestWhitelistedDigestNeverQueried(t *testing.T) {
	for _, filter := range []bool{true, false} {
		deps, svc, shaA, shaB := scenarioA(t)
		o := newTestOrchestrator(deps, Config{})

		rep, err := o.Run(context.Background(), Options{FilterKnownItems: boolPtr(filter)})
		if err != nil {
			t.Fatalf("filter=%t: run: %v", filter, err)
		}
		if svc.sawDigest(shaA) {
			t.Fatalf("filter=%t: whitelisted digest was sent to the reputation service", filter)
		}
		if !svc.sawDigest(shaB) {
			t.Fatalf("filter=%t: expected B to be queried", filter)
		}
		for _, it := range rep.Sections[0].Items {
			if it.Digests.SHA1 == shaA && it.Reputation != nil {
				t.Fatalf("filter=%t: whitelisted item has reputation %+v", filter, it.Reputation)
			}
			if it.Digests.SHA1 == shaB && it.ModTime.IsZero() {
				t.Fatalf("filter=%t: expected mod time on %s", filter, it.Name)
			}
		}
		svc.mu.Lock()
		for _, q := range svc.queried {
			if q.Digest == shaB && q.ModTime.IsZero() {
				t.Errorf("filter=%t: query for B carries no mod time", filter)
			}
		}
		svc.mu.Unlock()
	}
}

func TestSetFilterOptionAppliesToNextScan(t *testing.T) {
	deps, _, _, _ := scenarioA(t)
	o := newTestOrchestrator(deps, Config{})
	o.SetFilterOption(true)
	rep, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rep.Filtered || rep.GrandTotal != 1 {
		t.Fatalf("expected filtered run with 1 item, got filtered=%t total=%d", rep.Filtered, rep.GrandTotal)
	}
	if !o.Status().FilterKnownItems {
		t.Fatalf("status should report filter enabled")
	}
}

func TestScanCompletesWhenReputationUnreachable(t *testing.T) {
	dir := t.TempDir()
	var cands []scanner.Candidate
	for i := 0; i < 30; i++ {
		path, _ := writeBinary(t, dir, fmt.Sprintf("bin%02d", i), fmt.Sprintf("content %d", i))
		cands = append(cands, scanner.Candidate{Kind: scanner.KindFile, Name: filepath.Base(path), Path: path})
	}
	svc := &fakeService{err: &reputation.TransportError{Op: "query", Transient: true, Err: errors.New("connection refused")}}
	o := newTestOrchestrator(Deps{
		Registry:   registryWith(t, scanner.Category{ID: "launch_items", Name: "Launch Items", Plugins: []scanner.Plugin{&stubPlugin{name: "p", candidates: cands}}}),
		Reputation: newReputationClient(svc),
	}, Config{})

	rep, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.GrandTotal != 30 {
		t.Fatalf("expected 30 items, got %d", rep.GrandTotal)
	}
	for _, item := range rep.Items() {
		if item.Reputation == nil || !item.Reputation.Unknown {
			t.Fatalf("expected unknown reputation for %s, got %+v", item.Name, item.Reputation)
		}
	}
	// 2 batches, 2 attempts each
	if svc.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", svc.calls)
	}
}

func TestEveryItemHasExactlyOneCategory(t *testing.T) {
	dir := t.TempDir()
	shared, _ := writeBinary(t, dir, "shared", "same binary")
	other, _ := writeBinary(t, dir, "other", "other binary")
	reg := registryWith(t,
		scanner.Category{ID: "launch_items", Name: "Launch Items", Plugins: []scanner.Plugin{
			&stubPlugin{name: "launch", candidates: []scanner.Candidate{{Kind: scanner.KindFile, Name: "x", Path: shared}}},
		}},
		scanner.Category{ID: "login_hooks", Name: "Login Hooks", Plugins: []scanner.Plugin{
			&stubPlugin{name: "hooks", candidates: []scanner.Candidate{
				{Kind: scanner.KindFile, Name: "y", Path: shared},
				{Kind: scanner.KindFile, Name: "z", Path: other},
			}},
		}},
		scanner.Category{ID: "cron_jobs", Name: "Cron Jobs", Plugins: []scanner.Plugin{
			&stubPlugin{name: "cron", candidates: []scanner.Candidate{{Kind: scanner.KindCommand, Name: "root", Command: "/bin/true"}}},
		}},
	)
	o := newTestOrchestrator(Deps{Registry: reg}, Config{Workers: 2})

	rep, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	wantOrder := []string{"launch_items", "login_hooks", "cron_jobs"}
	total := 0
	for i, s := range rep.Sections {
		if s.CategoryID != wantOrder[i] {
			t.Fatalf("section %d: expected %s, got %s", i, wantOrder[i], s.CategoryID)
		}
		for _, item := range s.Items {
			if item.Category != s.CategoryID {
				t.Fatalf("item %s in section %s claims category %s", item.Name, s.CategoryID, item.Category)
			}
		}
		total += len(s.Items)
	}
	if total != 4 || rep.GrandTotal != 4 {
		t.Fatalf("expected 4 items, got %d / %d", total, rep.GrandTotal)
	}
	if rep.Sections[1].Items[0].Name != "y" || rep.Sections[1].Items[1].Name != "z" {
		t.Fatalf("items lost enumeration order")
	}
	cmd := rep.Sections[2].Items[0]
	if cmd.Digests.SHA1 != identity.HashString("/bin/true").SHA1 || cmd.Reputation != nil {
		t.Fatalf("unexpected command item %+v", cmd)
	}
}

func TestPluginFailuresAreIsolated(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeBinary(t, dir, "ok", "ok")
	reg := registryWith(t,
		scanner.Category{ID: "a", Name: "A", Plugins: []scanner.Plugin{&stubPlugin{name: "boom", panics: true}}},
		scanner.Category{ID: "b", Name: "B", Plugins: []scanner.Plugin{&stubPlugin{name: "err", err: errors.New("permission denied")}}},
		scanner.Category{ID: "c", Name: "C", Plugins: []scanner.Plugin{&stubPlugin{name: "good", candidates: []scanner.Candidate{
			{Kind: scanner.KindFile, Name: "ok", Path: path},
			{Kind: scanner.KindFile, Name: "gone", Path: filepath.Join(dir, "vanished")},
		}}}},
	)
	o := newTestOrchestrator(Deps{Registry: reg}, Config{})

	rep, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.GrandTotal != 1 || rep.Sections[2].Items[0].Name != "ok" {
		t.Fatalf("expected only the readable item, got %+v", rep.Sections)
	}
	kinds := map[string]int{}
	for _, d := range rep.Diagnostics {
		kinds[d.Kind]++
	}
	if kinds["plugin"] != 2 || kinds["item"] != 1 {
		t.Fatalf("unexpected diagnostics %+v", rep.Diagnostics)
	}
}

func TestAppleSignedFilteredOnlyWithFilter(t *testing.T) {
	dir := t.TempDir()
	apple, _ := writeBinary(t, dir, "apple", "system binary")
	reg := registryWith(t, scanner.Category{ID: "launch_items", Name: "Launch Items", Plugins: []scanner.Plugin{
		&stubPlugin{name: "p", candidates: []scanner.Candidate{{Kind: scanner.KindFile, Name: "apple", Path: apple}}},
	}})
	deps := Deps{Registry: reg, Verifier: appleVerifier{apple: map[string]bool{apple: true}}}

	o := newTestOrchestrator(deps, Config{FilterAppleSigned: true})
	rep, err := o.Run(context.Background(), Options{})
	if err != nil || rep.GrandTotal != 1 {
		t.Fatalf("expected apple item without filter, got %v err=%v", rep, err)
	}
	rep, err = o.Run(context.Background(), Options{FilterKnownItems: boolPtr(true)})
	if err != nil || rep.GrandTotal != 0 {
		t.Fatalf("expected apple item filtered, got %v err=%v", rep, err)
	}
}

func TestStopScanCancels(t *testing.T) {
	deps, _, _, _ := scenarioA(t)
	o := newTestOrchestrator(deps, Config{})
	first, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	block := make(chan struct{})
	defer close(block)
	if err := o.deps.Registry.Register(scanner.Category{
		ID: "slow", Name: "Slow", Enabled: true,
		Plugins: []scanner.Plugin{&stubPlugin{name: "slow", block: block}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := o.StartScan(context.Background(), Options{})
	if err != nil || id == "" {
		t.Fatalf("start: id=%q err=%v", id, err)
	}
	if _, err := o.StartScan(context.Background(), Options{}); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("expected ErrScanInProgress, got %v", err)
	}
	if err := o.SetWhitelist(whitelist.Empty()); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("expected whitelist swap to be rejected mid-scan, got %v", err)
	}
	if o.CurrentReport() != first {
		t.Fatalf("previous report must stay visible during a run")
	}
	if !o.StopScan() {
		t.Fatalf("expected StopScan to report a running scan")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	status := o.Status()
	if status.State != StateCancelled || status.RunID != id {
		t.Fatalf("expected cancelled run %s, got %+v", id, status)
	}
	if o.CurrentReport() != first {
		t.Fatalf("cancelled run must not replace the last report")
	}
	if o.StopScan() {
		t.Fatalf("StopScan with nothing running should return false")
	}
	if err := o.SetWhitelist(whitelist.Empty()); err != nil {
		t.Fatalf("whitelist swap after run: %v", err)
	}
}

func TestRunCancelledByContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	reg := registryWith(t, scanner.Category{ID: "slow", Name: "Slow", Plugins: []scanner.Plugin{&stubPlugin{name: "slow", block: block}}})
	o := newTestOrchestrator(Deps{Registry: reg}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	rep, err := o.Run(ctx, Options{})
	if !errors.Is(err, context.Canceled) || rep != nil {
		t.Fatalf("expected cancellation, got rep=%v err=%v", rep, err)
	}
	if o.Status().State != StateCancelled {
		t.Fatalf("expected cancelled state, got %s", o.Status().State)
	}
}

func TestMisconfiguredRegistryFails(t *testing.T) {
	o := newTestOrchestrator(Deps{Registry: scanner.NewRegistry()}, Config{})
	_, err := o.Run(context.Background(), Options{})
	var cfgErr *scanner.RegistryConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected RegistryConfigError, got %v", err)
	}
	status := o.Status()
	if status.State != StateFailed || status.LastError == "" {
		t.Fatalf("expected failed state with error, got %+v", status)
	}
	if o.CurrentReport() != nil {
		t.Fatalf("failed run must not produce a report")
	}

	// a terminal state can start again
	if _, err := o.Run(context.Background(), Options{}); err == nil {
		t.Fatalf("expected second run to fail the same way")
	}
}

func TestCompletionHooks(t *testing.T) {
	deps, _, _, _ := scenarioA(t)
	o := newTestOrchestrator(deps, Config{})
	var got []string
	o.OnComplete("first", func(_ context.Context, r *report.ScanReport) error {
		got = append(got, "first:"+r.ID)
		return errors.New("ignored")
	})
	o.OnComplete("panics", func(context.Context, *report.ScanReport) error {
		panic("hook exploded")
	})
	o.OnComplete("last", func(_ context.Context, r *report.ScanReport) error {
		got = append(got, "last")
		return nil
	})

	rep, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 2 || got[0] != "first:"+rep.ID || got[1] != "last" {
		t.Fatalf("unexpected hook calls %v", got)
	}
}

type recordingTracker struct {
	marked int
}

func (r *recordingTracker) Mark(items []scanner.Item) error {
	r.marked += len(items)
	for i := range items {
		items[i].New = true
	}
	return nil
}

func TestBaselineMarksNewItems(t *testing.T) {
	deps, _, _, _ := scenarioA(t)
	tracker := &recordingTracker{}
	deps.Baseline = tracker
	o := newTestOrchestrator(deps, Config{})
	rep, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tracker.marked != 2 || rep.New != 2 {
		t.Fatalf("expected tracker to mark 2 new items, got marked=%d new=%d", tracker.marked, rep.New)
	}
}

func TestSubmitUnknownFiles(t *testing.T) {
	deps, svc, _, _ := scenarioA(t)
	client := deps.Reputation.(*reputation.Client)
	o := newTestOrchestrator(deps, Config{SubmitUnknown: true})
	if _, err := o.Run(context.Background(), Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	client.Wait()
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.submitted) != 1 || filepath.Base(svc.submitted[0]) != "a" {
		t.Fatalf("expected A (not found) to be submitted, got %v", svc.submitted)
	}
}
