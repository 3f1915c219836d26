package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ipsix/knockscan/internal/identity"
	"github.com/ipsix/knockscan/internal/logging"
	"github.com/ipsix/knockscan/internal/report"
	"github.com/ipsix/knockscan/internal/reputation"
	"github.com/ipsix/knockscan/internal/scanner"
	"github.com/ipsix/knockscan/internal/whitelist"
)

// pending is a candidate with its position in the enumeration order.
type pending struct {
	category int
	plugin   string
	cand     scanner.Candidate
}

type identified struct {
	category int
	item     scanner.Item
}

func (o *Orchestrator) scan(ctx context.Context, r *run, logger *logging.Logger) (*report.ScanReport, error) {
	if err := o.deps.Registry.Validate(); err != nil {
		return nil, err
	}
	categories := o.deps.Registry.Enabled()
	var diags []report.Diagnostic

	o.setPhase(r, PhaseEnumerating)
	candidates, pluginDiags := o.enumerate(ctx, categories, logger)
	diags = append(diags, pluginDiags...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.setPhase(r, PhaseIdentifying)
	items, itemDiags, err := o.identify(ctx, categories, candidates, logger)
	diags = append(diags, itemDiags...)
	if err != nil {
		return nil, err
	}

	o.setPhase(r, PhaseFiltering)
	items = filter(items, r.whitelist, r.filter, o.cfg.FilterAppleSigned)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.setPhase(r, PhaseEnriching)
	if err := o.enrich(ctx, items, logger); err != nil {
		return nil, err
	}

	o.setPhase(r, PhaseAssembling)
	flat := make([]scanner.Item, len(items))
	for i := range items {
		flat[i] = items[i].item
	}
	if o.deps.Baseline != nil {
		if err := o.deps.Baseline.Mark(flat); err != nil {
			logger.Warn("baseline update failed", logging.Err(err))
			diags = append(diags, report.Diagnostic{Kind: "baseline", Message: err.Error()})
		}
	}

	sections := make([]report.Section, len(categories))
	for i, c := range categories {
		sections[i] = report.Section{CategoryID: c.ID, Name: c.Name, Items: []scanner.Item{}}
	}
	for i, it := range items {
		sections[it.category].Items = append(sections[it.category].Items, flat[i])
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return report.Assemble(report.Meta{
		ID:          r.id,
		GeneratedAt: o.now(),
		Duration:    o.now().Sub(r.started),
		Host:        o.hostInfo(ctx),
		Filtered:    r.filter,
		Diagnostics: diags,
	}, sections), nil
}

// enumerate runs every plugin of every enabled category concurrently. A
// plugin that fails or panics contributes nothing; the others are kept.
func (o *Orchestrator) enumerate(ctx context.Context, categories []scanner.Category, logger *logging.Logger) ([]pending, []report.Diagnostic) {
	type slot struct {
		enum *scanner.Enumeration
		err  error
	}
	slots := make([][]slot, len(categories))
	var g errgroup.Group
	for ci, c := range categories {
		ci, c := ci, c
		slots[ci] = make([]slot, len(c.Plugins))
		for pi, p := range c.Plugins {
			pi, p := pi, p
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				enum, err := runPlugin(ctx, p)
				if err != nil {
					err = &scanner.PluginError{Plugin: p.Name(), Category: c.ID, Err: err}
				}
				slots[ci][pi] = slot{enum: enum, err: err}
				return nil
			})
		}
	}
	_ = g.Wait()

	var out []pending
	var diags []report.Diagnostic
	for ci, c := range categories {
		for pi, p := range c.Plugins {
			s := slots[ci][pi]
			if s.err != nil {
				if ctx.Err() == nil {
					logger.Error("plugin failed", logging.Field{Key: "plugin", Value: p.Name()}, logging.Err(s.err))
					diags = append(diags, report.Diagnostic{Kind: "plugin", Plugin: p.Name(), Message: s.err.Error()})
				}
				continue
			}
			if s.enum == nil {
				continue
			}
			for _, e := range s.enum.Errors {
				logger.Warn("item skipped", logging.Field{Key: "plugin", Value: p.Name()}, logging.Err(e))
				diags = append(diags, itemDiagnostic(p.Name(), e))
			}
			for _, cand := range s.enum.Candidates {
				out = append(out, pending{category: ci, plugin: p.Name(), cand: cand})
			}
		}
	}
	return out, diags
}

func runPlugin(ctx context.Context, p scanner.Plugin) (enum *scanner.Enumeration, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			enum, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.Enumerate(ctx)
}

// identify fingerprints candidates on a bounded pool. Each task writes only
// its own slot, so the output keeps enumeration order.
func (o *Orchestrator) identify(ctx context.Context, categories []scanner.Category, candidates []pending, logger *logging.Logger) ([]identified, []report.Diagnostic, error) {
	results := make([]*identified, len(candidates))
	failures := make([]error, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i := range candidates {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			item, err := o.identifyOne(gctx, categories[candidates[i].category].ID, candidates[i])
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures[i] = err
				return nil
			}
			results[i] = &identified{category: candidates[i].category, item: item}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	out := make([]identified, 0, len(candidates))
	var diags []report.Diagnostic
	for i, res := range results {
		if failures[i] != nil {
			logger.Warn("item dropped", logging.Field{Key: "path", Value: candidates[i].cand.Path}, logging.Err(failures[i]))
			diags = append(diags, itemDiagnostic(candidates[i].plugin, failures[i]))
			continue
		}
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, diags, nil
}

func (o *Orchestrator) identifyOne(ctx context.Context, categoryID string, p pending) (scanner.Item, error) {
	c := p.cand
	item := scanner.Item{
		Name:        c.Name,
		Path:        c.Path,
		Kind:        c.Kind,
		Plugin:      p.plugin,
		Category:    categoryID,
		Command:     c.Command,
		ExtensionID: c.ExtensionID,
		Browser:     c.Browser,
		Metadata:    c.Metadata,
	}
	switch c.Kind {
	case scanner.KindCommand:
		item.Digests = identity.HashString(c.Command)
		item.Signing = identity.Signing{Status: identity.SigningUnknown}
	case scanner.KindExtension:
		item.Signing = identity.Signing{Status: identity.SigningUnknown}
		if manifest, ok := c.Metadata["manifest"].(string); ok && manifest != "" {
			if d, err := identity.HashFile(ctx, manifest); err == nil {
				item.Digests = d
			} else if ctx.Err() != nil {
				return scanner.Item{}, ctx.Err()
			}
		}
	default:
		id, err := identity.Identify(ctx, c.Path, o.deps.Verifier)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				return scanner.Item{}, &scanner.ItemIOError{Path: c.Path, Op: "identify", Err: err}
			}
			return scanner.Item{}, err
		}
		item.Digests = id.Digests
		item.Signing = id.Signing
		item.ModTime = id.ModTime
	}
	return item, nil
}

// filter marks whitelisted items and, when filtering is on, drops them along
// with apple-signed binaries.
func filter(items []identified, wl *whitelist.Store, enabled, dropApple bool) []identified {
	out := items[:0]
	for _, it := range items {
		it.item.Whitelisted = wl.Contains(setFor(it.item.Kind), it.item.Key())
		if enabled {
			if it.item.Whitelisted {
				continue
			}
			if dropApple && it.item.Kind == scanner.KindFile && it.item.Signing.Status == identity.SigningApple {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

func setFor(kind scanner.Kind) whitelist.Set {
	switch kind {
	case scanner.KindCommand:
		return whitelist.Commands
	case scanner.KindExtension:
		return whitelist.Extensions
	default:
		return whitelist.Files
	}
}

// enrich attaches reputation results to file items. Whitelisted items are
// known good and never leave the host. Only cancellation is an error; an
// unreachable service leaves results unknown.
func (o *Orchestrator) enrich(ctx context.Context, items []identified, logger *logging.Logger) error {
	if o.deps.Reputation == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var queries []reputation.Query
	for _, it := range items {
		if it.item.Kind != scanner.KindFile || it.item.Digests.SHA1 == "" || it.item.Whitelisted {
			continue
		}
		if _, ok := seen[it.item.Digests.SHA1]; ok {
			continue
		}
		seen[it.item.Digests.SHA1] = struct{}{}
		queries = append(queries, reputation.Query{
			Digest:  it.item.Digests.SHA1,
			Path:    it.item.Path,
			Name:    it.item.Name,
			ModTime: it.item.ModTime,
		})
	}
	if len(queries) == 0 {
		return nil
	}

	results, err := o.deps.Reputation.Lookup(ctx, queries)
	if err != nil {
		return err
	}
	for i := range items {
		it := &items[i].item
		if it.Kind != scanner.KindFile || it.Whitelisted {
			continue
		}
		if res, ok := results[it.Digests.SHA1]; ok {
			it.Reputation = &res
		}
	}

	if o.cfg.SubmitUnknown {
		submitted := 0
		for _, q := range queries {
			res, ok := results[q.Digest]
			if ok && !res.Found && !res.Unknown {
				o.deps.Reputation.Submit(q.Path, q.Digest)
				submitted++
			}
		}
		if submitted > 0 {
			logger.Info("submitted unknown files", logging.Field{Key: "count", Value: submitted})
		}
	}
	return nil
}

func itemDiagnostic(plugin string, err error) report.Diagnostic {
	d := report.Diagnostic{Kind: "item", Plugin: plugin, Message: err.Error()}
	var ioErr *scanner.ItemIOError
	if errors.As(err, &ioErr) {
		d.Path = ioErr.Path
	}
	return d
}
