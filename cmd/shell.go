// This package provides utilities that underlie the rpki-rp command. The
// command itself stays small:
//
//    func main() {
//      var c cmd.Config
//      cmd.FailOnError(cmd.ReadConfigFile(*configFile, &c), "reading config")
//      // ... build and run the validator from c ...
//    }

package cmd

import (
	"context"
	"encoding/json"
	stdlog "log"
	"log/syslog"
	"net"
	"net/http"
	_ "net/http/pprof" // HTTP performance profiling, added transparently to the debug server
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	rplog "github.com/openrpki/rpvalid/log"
	"github.com/openrpki/rpvalid/metrics"
)

// StatsAndLogging constructs a metrics.Scope and a log.Logger from the
// syslog config, dialing the local syslog daemon for the audit sink.
// Crashes if dialing syslog fails.
func StatsAndLogging(logConf SyslogConfig) (metrics.Scope, rplog.Logger) {
	scope := metrics.NewPromScope(prometheus.DefaultRegisterer)

	tag := path.Base(os.Args[0])
	syslogger, err := syslog.New(syslog.LOG_INFO, tag)
	FailOnError(err, "could not connect to syslog")

	logger := rplog.New(syslogger, rplog.Level(logConf.StdoutLevel))
	return scope, logger
}

// FailOnError exits and prints an error message if err is non-nil.
func FailOnError(err error, msg string) {
	if err != nil {
		stdlog.Fatalf("%s: %s", msg, err)
	}
}

// ProfileCmd runs forever, sending Go runtime statistics to the given
// scope once a second.
func ProfileCmd(stats metrics.Scope) {
	stats = stats.NewScope("Gostats")
	var memoryStats runtime.MemStats
	prevNumGC := int64(0)
	c := time.Tick(1 * time.Second)
	for range c {
		runtime.ReadMemStats(&memoryStats)

		_ = stats.Gauge("Goroutines", int64(runtime.NumGoroutine()))

		_ = stats.Gauge("Heap.Alloc", int64(memoryStats.HeapAlloc))
		_ = stats.Gauge("Heap.Objects", int64(memoryStats.HeapObjects))
		_ = stats.Gauge("Heap.Idle", int64(memoryStats.HeapIdle))
		_ = stats.Gauge("Heap.InUse", int64(memoryStats.HeapInuse))
		_ = stats.Gauge("Heap.Released", int64(memoryStats.HeapReleased))

		if memoryStats.NumGC > 0 {
			totalRecentGC := uint64(0)
			realBufSize := uint32(256)
			if memoryStats.NumGC < 256 {
				realBufSize = memoryStats.NumGC
			}
			for _, pause := range memoryStats.PauseNs {
				totalRecentGC += pause
			}
			gcPauseAvg := totalRecentGC / uint64(realBufSize)
			lastGC := memoryStats.PauseNs[(memoryStats.NumGC+255)%256]
			_ = stats.Timing("Gc.PauseAvg", int64(gcPauseAvg))
			_ = stats.Gauge("Gc.LastPause", int64(lastGC))
		}
		_ = stats.Gauge("Gc.NextAt", int64(memoryStats.NextGC))
		_ = stats.Gauge("Gc.Count", int64(memoryStats.NumGC))
		gcInc := int64(memoryStats.NumGC) - prevNumGC
		_ = stats.Inc("Gc.Rate", gcInc)
		prevNumGC += gcInc
	}
}

// DebugServer starts a server exposing pprof profiling endpoints and
// Prometheus metrics. Typical usage is to start it in a goroutine,
// configured with an address from the loaded Config.
func DebugServer(addr string) {
	if addr == "" {
		stdlog.Fatalf("unable to boot debug server because no address was given for it")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		stdlog.Fatalf("unable to boot debug server on %q: %s", addr, err)
	}
	http.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(ln, nil); err != nil {
		stdlog.Fatalf("debug server exited: %s", err)
	}
}

// InitTracing points the process's default tracer at an OTLP/gRPC
// collector and returns a shutdown func the caller should defer. An empty
// collectorAddr disables tracing: the returned tracer is otel's no-op
// default, and shutdown is a no-op.
func InitTracing(ctx context.Context, serviceName, collectorAddr string) (trace.Tracer, func(context.Context) error, error) {
	if collectorAddr == "" {
		return otel.Tracer(serviceName), func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(collectorAddr), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Tracer(serviceName), tp.Shutdown, nil
}

// ReadConfigFile takes a file path and unmarshals its contents into out.
func ReadConfigFile(filename string, out interface{}) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(configData, out)
}

var signalToName = map[os.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
}

// CatchSignals blocks until SIGTERM, SIGINT, or SIGHUP arrives, then runs
// callback and exits.
func CatchSignals(logger rplog.Logger, callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	sig := <-sigChan
	logger.Infof("caught %s", signalToName[sig])

	if callback != nil {
		callback()
	}

	logger.Info("exiting")
	os.Exit(0)
}
