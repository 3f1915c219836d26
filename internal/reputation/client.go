package reputation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ipsix/knockscan/internal/logging"
)

type Config struct {
	RequestsPerMinute int
	Timeout           time.Duration
	MaxRetries        int
	Backoff           time.Duration
	MaxBackoff        time.Duration
	Concurrency       int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	return c
}

// Client resolves digests against a reputation Service. Cached digests never
// reach the network, concurrent lookups of the same digest share one
// request, and failures degrade to unknown results instead of errors.
type Client struct {
	svc     Service
	cache   Cache
	cfg     Config
	limiter *rate.Limiter
	logger  *logging.Logger

	mu       sync.Mutex
	inflight map[string]*call

	side       singleflight.Group
	sideWG     sync.WaitGroup
	sideCtx    context.Context
	sideCancel context.CancelFunc

	requests atomic.Int64
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type call struct {
	done chan struct{}
	res  Result
	ok   bool
}

func NewClient(svc Service, cache Cache, cfg Config, logger *logging.Logger) *Client {
	cfg = cfg.withDefaults()
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	sideCtx, sideCancel := context.WithCancel(context.Background())
	return &Client{
		svc:        svc,
		cache:      cache,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
		inflight:   make(map[string]*call),
		sideCtx:    sideCtx,
		sideCancel: sideCancel,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Requests is the number of query requests sent so far, retries included.
func (c *Client) Requests() int64 {
	return c.requests.Load()
}

// Lookup returns a result for every distinct digest in queries. The only
// error is cancellation of ctx.
func (c *Client) Lookup(ctx context.Context, queries []Query) (map[string]Result, error) {
	out := make(map[string]Result, len(queries))
	owned := make([]Query, 0, len(queries))
	waits := make(map[string]*call)

	c.mu.Lock()
	for _, q := range queries {
		q.Digest = strings.ToLower(strings.TrimSpace(q.Digest))
		if q.Digest == "" {
			continue
		}
		if _, seen := out[q.Digest]; seen {
			continue
		}
		if _, seen := waits[q.Digest]; seen {
			continue
		}
		if r, ok := c.cache.Get(q.Digest); ok {
			out[q.Digest] = r
			continue
		}
		if cl, ok := c.inflight[q.Digest]; ok {
			waits[q.Digest] = cl
			continue
		}
		cl := &call{done: make(chan struct{})}
		c.inflight[q.Digest] = cl
		waits[q.Digest] = cl
		owned = append(owned, q)
	}
	c.mu.Unlock()

	runErr := c.runOwned(ctx, owned)

	for digest, cl := range waits {
		select {
		case <-cl.done:
			if cl.ok {
				out[digest] = cl.res
				continue
			}
			// The owning lookup was cancelled; report unknown without caching.
			out[digest] = unknownResult(digest, c.now().UTC())
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	if runErr != nil {
		return out, runErr
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) runOwned(ctx context.Context, owned []Query) error {
	if len(owned) == 0 {
		return nil
	}
	defer func() {
		// Anything not resolved (cancellation) is released uncached.
		for _, q := range owned {
			c.resolve(q.Digest, Result{}, false)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for start := 0; start < len(owned); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(owned) {
			end = len(owned)
		}
		batch := owned[start:end]
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results, err := c.runBatch(gctx, batch)
			if err != nil {
				return err
			}
			for _, q := range batch {
				r, ok := results[q.Digest]
				if !ok {
					r = unknownResult(q.Digest, c.now().UTC())
				}
				c.resolve(q.Digest, c.cache.Add(q.Digest, r), true)
			}
			return nil
		})
	}
	return g.Wait()
}

// runBatch sends one batch with bounded retries. Exhausted retries mark the
// whole batch unknown; only cancellation is returned as an error.
func (c *Client) runBatch(ctx context.Context, batch []Query) (map[string]Result, error) {
	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		// A started attempt runs to completion or timeout so its answer is
		// cached even when the scan is stopped meanwhile.
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		c.requests.Add(1)
		results, err := c.svc.Query(attemptCtx, batch)
		cancel()
		if err == nil {
			out := make(map[string]Result, len(results))
			for _, r := range results {
				out[strings.ToLower(r.Digest)] = r
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logger.Warn("reputation batch failed",
			logging.Field{Key: "attempt", Value: attempt + 1},
			logging.Field{Key: "batch_size", Value: len(batch)},
			logging.Err(err),
		)
		if !isTransient(err) {
			break
		}
	}

	c.logger.Warn("reputation batch marked unknown", logging.Field{Key: "batch_size", Value: len(batch)}, logging.Err(lastErr))
	now := c.now().UTC()
	out := make(map[string]Result, len(batch))
	for _, q := range batch {
		out[q.Digest] = unknownResult(q.Digest, now)
	}
	return out, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.Backoff << (attempt - 1)
	if d <= 0 || d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

func (c *Client) resolve(digest string, r Result, ok bool) {
	c.mu.Lock()
	cl, exists := c.inflight[digest]
	if exists {
		delete(c.inflight, digest)
	}
	c.mu.Unlock()
	if !exists {
		return
	}
	cl.res = r
	cl.ok = ok
	close(cl.done)
}

// Submit uploads a file the service has never seen. It returns immediately;
// duplicate submissions of the same digest while one is running are merged.
func (c *Client) Submit(path, digest string) {
	c.fireAndForget("submit:"+strings.ToLower(digest), 4*c.cfg.Timeout, func(ctx context.Context) error {
		return c.svc.Submit(ctx, path)
	})
}

// Rescan asks the service to re-analyze a known digest. It returns
// immediately.
func (c *Client) Rescan(digest string) {
	c.fireAndForget("rescan:"+strings.ToLower(digest), c.cfg.Timeout, func(ctx context.Context) error {
		return c.svc.Rescan(ctx, digest)
	})
}

func (c *Client) fireAndForget(key string, timeout time.Duration, fn func(ctx context.Context) error) {
	c.sideWG.Add(1)
	go func() {
		defer c.sideWG.Done()
		_, err, _ := c.side.Do(key, func() (interface{}, error) {
			if err := c.limiter.Wait(c.sideCtx); err != nil {
				return nil, err
			}
			ctx, cancel := context.WithTimeout(c.sideCtx, timeout)
			defer cancel()
			return nil, fn(ctx)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("reputation side request failed", logging.Field{Key: "request", Value: key}, logging.Err(err))
			return
		}
		if err == nil {
			c.logger.Info("reputation side request sent", logging.Field{Key: "request", Value: key})
		}
	}()
}

// Wait blocks until pending submit and rescan requests finish.
func (c *Client) Wait() {
	c.sideWG.Wait()
}

// Close abandons pending side requests.
func (c *Client) Close() {
	c.sideCancel()
	c.sideWG.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
