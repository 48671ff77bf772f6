// Package validator implements the depth-first, per-TAL validation walk
// (§4.E): starting from each trust anchor, it fetches publication
// points, validates every certificate and signed object against its
// issuer's resources, and accumulates Validated ROA Payloads and
// BGPsec router keys into a Result for the VRP database to commit.
package validator

import (
	"context"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	verrors "github.com/openrpki/rpvalid/errors"
	"github.com/openrpki/rpvalid/log"
	"github.com/openrpki/rpvalid/metrics"
)

// Source fetches the bytes an rsync:// URI names, syncing the containing
// repository module first if needed. package fetch's Fetcher implements
// this; tests supply an in-memory stand-in.
type Source interface {
	Fetch(ctx context.Context, rsyncURI string) ([]byte, error)
}

// Config is the frozen set of validation-walk parameters the CLI
// collaborator loads (§6 "CLI surface and configuration").
type Config struct {
	StrictManifests  bool // reject (rather than warn on) a stale manifest
	StrictHash       bool // reject (rather than warn on) a manifest-listed file whose hash cannot be confirmed
	ParseGBR         bool // parse and log Ghostbusters records instead of skipping them
	FetchConcurrency int  // bound on in-flight object fetches across the whole cycle
	CycleDeadline    time.Duration
}

// Driver runs validation cycles against a configured set of TALs.
type Driver struct {
	cfg    Config
	source Source
	logger log.Logger
	clk    clock.Clock
	scope  metrics.Scope
}

// NewDriver constructs a Driver. scope may be nil, in which case cycle
// counters are accumulated but never published.
func NewDriver(cfg Config, source Source, logger log.Logger, clk clock.Clock, scope metrics.Scope) *Driver {
	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = 1
	}
	return &Driver{cfg: cfg, source: source, logger: logger, clk: clk, scope: scope}
}

// ErrCycleDeadlineExceeded is returned by RunCycle when the configured
// wall-clock deadline elapses before every TAL finished walking; per
// §5 "cancellation and timeouts" the partial result is discarded and the
// caller must preserve its current snapshot.
var ErrCycleDeadlineExceeded = verrors.New(verrors.InternalError, "validation cycle exceeded its deadline")

// RunCycle walks every given TAL, fanning each one out to its own task
// (TALs are independent; a single TAL's manifest order forces it to be
// walked sequentially internally) and bounding total fetch concurrency
// with a shared semaphore.
func (d *Driver) RunCycle(ctx context.Context, tals []*TAL) (*Result, error) {
	if d.cfg.CycleDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CycleDeadline)
		defer cancel()
	}

	acc := newAccumulator()
	sem := semaphore.NewWeighted(int64(d.cfg.FetchConcurrency))

	g, gctx := errgroup.WithContext(ctx)
	for _, tal := range tals {
		tal := tal
		g.Go(func() error {
			d.walkTAL(gctx, tal, sem, acc)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		d.logger.Warningf("validation cycle aborted: %s", ctx.Err())
		return nil, ErrCycleDeadlineExceeded
	}

	result := acc.result()
	if d.scope != nil {
		for kind, n := range result.Counters.Accepted {
			_ = d.scope.Gauge("accepted."+kind, int64(n))
		}
		for kind, n := range result.Counters.Rejected {
			_ = d.scope.Gauge("rejected."+kind, int64(n))
		}
		_ = d.scope.Gauge("vrps", int64(len(result.VRPs)))
		_ = d.scope.Gauge("router_keys", int64(len(result.RouterKeys)))
		_ = d.scope.Gauge("stability", 1)
	}
	return result, nil
}

func (d *Driver) fetchObject(ctx context.Context, uri string, sem *semaphore.Weighted) ([]byte, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, verrors.IOErrorf("fetching %s: %s", uri, err)
	}
	defer sem.Release(1)
	return d.source.Fetch(ctx, uri)
}
