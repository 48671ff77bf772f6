// Command rpki-rp runs a full RPKI Relying Party: it periodically
// revalidates every configured trust anchor, applies a local SLURM
// overlay to the result, commits the served payload set to an
// in-memory VRP database, and streams that database to routers over
// RTR (RFC 6810/8210).
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jmhodges/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/openrpki/rpvalid/cmd"
	"github.com/openrpki/rpvalid/fetch"
	"github.com/openrpki/rpvalid/log"
	"github.com/openrpki/rpvalid/rtr"
	"github.com/openrpki/rpvalid/slurm"
	"github.com/openrpki/rpvalid/validator"
	"github.com/openrpki/rpvalid/vrpdb"
)

func main() {
	configFile := flag.String("config", "", "path to the rpki-rp JSON config file")
	flag.Parse()

	var c cmd.Config
	cmd.FailOnError(cmd.ReadConfigFile(*configFile, &c), "reading config")
	cmd.FailOnError(c.Validate(), "validating config")

	scope, logger := cmd.StatsAndLogging(c.Syslog)

	tracer, shutdownTracing, err := cmd.InitTracing(context.Background(), "rpki-rp", c.TracingCollectorAddr)
	cmd.FailOnError(err, "initializing tracing")
	defer shutdownTracing(context.Background())

	if c.DebugAddr != "" {
		go cmd.DebugServer(c.DebugAddr)
	}

	tals, historyDepth, err := loadTALs(c)
	cmd.FailOnError(err, "loading TALs")
	if historyDepth > 0 {
		c.HistoryDepth = historyDepth
	}

	resolver := fetch.NewHostResolver(c.DNS.Timeout.Duration, c.DNS.Resolvers)
	syncFn := newRsyncSyncFunc(c.Rsync.Program, c.Rsync.Args, c.Rsync.Timeout.Duration, logger)
	fetcher := fetch.NewFetcher(c.RepoRoot, syncFn, resolver, logger, clock.Default())

	driver := validator.NewDriver(validator.Config{
		StrictManifests:  c.StrictManifests,
		StrictHash:       c.StrictHash,
		ParseGBR:         c.ParseGBR,
		FetchConcurrency: c.FetchConcurrency,
		CycleDeadline:    c.CycleDeadline.Duration,
	}, fetcher, logger, clock.Default(), scope.NewScope("validator"))

	db := vrpdb.New(c.HistoryDepth, scope.NewScope("vrpdb"))

	server := rtr.NewServer(rtr.Config{
		ListenAddr:  c.RTR.ListenAddress,
		IdleTimeout: c.RTR.IdleTimeout.Duration,
		Timers: rtr.Timers{
			RefreshInterval: c.RTR.RefreshInterval,
			RetryInterval:   c.RTR.RetryInterval,
			ExpireInterval:  c.RTR.ExpireInterval,
		},
	}, db, logger, scope.NewScope("rtr"))

	go func() {
		// A non-nil return here also happens on a deliberate shutdown
		// (Close() unblocks Accept with an error), so this only logs
		// rather than treating every exit as fatal.
		if err := server.ListenAndServe(); err != nil {
			logger.Errf("RTR server exited: %s", err)
		}
	}()

	go cmd.CatchSignals(logger, func() {
		server.Close()
	})

	runCycles(context.Background(), c, driver, db, server, tals, logger, tracer)
}

// runCycles drives the periodic validate -> overlay -> commit -> notify
// loop, firing immediately and then every CycleInterval.
func runCycles(ctx context.Context, c cmd.Config, driver *validator.Driver, db *vrpdb.DB, server *rtr.Server, tals []*validator.TAL, logger log.Logger, tracer trace.Tracer) {
	interval := c.CycleInterval.Duration
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runOneCycle(ctx, c, driver, db, server, tals, logger, tracer)
	for range ticker.C {
		runOneCycle(ctx, c, driver, db, server, tals, logger, tracer)
	}
}

func runOneCycle(ctx context.Context, c cmd.Config, driver *validator.Driver, db *vrpdb.DB, server *rtr.Server, tals []*validator.TAL, logger log.Logger, tracer trace.Tracer) {
	ctx, span := tracer.Start(ctx, "validation-cycle")
	defer span.End()

	result, err := driver.RunCycle(ctx, tals)
	if err != nil {
		logger.Errf("validation cycle failed: %s", err)
		return
	}

	vrps, routerKeys := result.VRPs, result.RouterKeys
	if c.SLURMFile != "" {
		doc, err := loadSLURM(c.SLURMFile)
		if err != nil {
			logger.Errf("loading SLURM document %s: %s", c.SLURMFile, err)
		} else {
			vrps, routerKeys = doc.Apply(vrps, routerKeys, logger)
		}
	}

	serial, changed := db.Commit(vrps, routerKeys)
	if changed {
		logger.Infof("committed serial %d: %d VRPs, %d router keys", serial, len(vrps), len(routerKeys))
		server.NotifyAll(serial)
	}
}

func loadSLURM(path string) (*slurm.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return slurm.Decode(f)
}

// loadTALs resolves the trust anchor set and any history-depth override
// from c.TALDir plus the optional YAML TALManifest overlay named by
// c.TALManifestFile.
func loadTALs(c cmd.Config) ([]*validator.TAL, int, error) {
	if c.TALManifestFile == "" {
		tals, err := validator.LoadTALDir(c.TALDir)
		return tals, 0, err
	}

	manifest, err := cmd.LoadTALManifest(c.TALManifestFile)
	if err != nil {
		return nil, 0, err
	}
	if len(manifest.TALFiles) == 0 {
		tals, err := validator.LoadTALDir(c.TALDir)
		return tals, manifest.HistoryDepth, err
	}

	tals := make([]*validator.TAL, 0, len(manifest.TALFiles))
	for _, path := range manifest.TALFiles {
		tal, err := validator.LoadTAL(path)
		if err != nil {
			return nil, 0, err
		}
		tals = append(tals, tal)
	}
	return tals, manifest.HistoryDepth, nil
}
