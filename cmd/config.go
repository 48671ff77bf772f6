package cmd

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"strings"
	"time"

	validatorpkg "github.com/letsencrypt/validator/v10"
)

// Config stores every configuration parameter the rpki-rp command needs,
// unmarshalled from a single JSON file. Note: NO DEFAULTS are provided
// except where a zero value is itself a sane default (documented per
// field below). The `validate` struct tags are enforced by Validate,
// which the command calls right after loading the file so a missing
// required field fails fast instead of surfacing as a confusing runtime
// error partway through the first validation cycle.
type Config struct {
	// TALDir is the directory of .tal trust anchor locator files to load
	// (§4.E).
	TALDir string `validate:"required"`

	// TALManifestFile is an optional path to a YAML TALManifest overlay
	// (§3.3): an explicit TAL file list and/or a history-depth override,
	// for operators who want more control than a plain TALDir scan gives.
	TALManifestFile string

	// RepoRoot is the local mirror root every rsync:// repository is
	// synced underneath (§4.D).
	RepoRoot string `validate:"required"`

	// Rsync names the rsync binary and the fixed arguments prepended to
	// every invocation (e.g. ["--archive", "--contimeout=20"]); the
	// source and destination are appended by the fetcher.
	Rsync struct {
		Program string `validate:"required"`
		Args    []string
		Timeout ConfigDuration
	}

	// SLURMFile is an optional path to an RFC 8416 SLURM document applied
	// to every cycle's validated output (§4.F). Empty means no overlay.
	SLURMFile string

	// HistoryDepth is the number of snapshots (and snapshot-1 deltas) the
	// VRP database retains for RTR Serial Query (§4.G's "K").
	HistoryDepth int `validate:"min=1"`

	// CycleInterval is how often a validation cycle is triggered.
	CycleInterval ConfigDuration

	// CycleDeadline bounds a single cycle's wall-clock time; zero means
	// unbounded.
	CycleDeadline ConfigDuration

	// FetchConcurrency bounds the number of in-flight rsync fetches
	// within one validation cycle.
	FetchConcurrency int `validate:"min=1"`

	// StrictManifests and StrictHash select the conservative (fail
	// closed) parsing posture for stale manifests and hash mismatches,
	// respectively, instead of the default warn-and-continue behavior.
	StrictManifests bool
	StrictHash      bool

	// ParseGBR enables Ghostbusters record parsing and logging.
	ParseGBR bool

	RTR struct {
		ListenAddress string `validate:"required"`
		IdleTimeout   ConfigDuration

		// RefreshInterval, RetryInterval, and ExpireInterval (seconds)
		// are advertised to clients in every End of Data PDU (RFC 8210
		// §5.8). Zero means the RFC's suggested default for that field.
		RefreshInterval uint32
		RetryInterval   uint32
		ExpireInterval  uint32
	}

	DNS struct {
		Resolvers []string
		Timeout   ConfigDuration
	}

	DebugAddr string

	// TracingCollectorAddr is an OTLP/gRPC collector address to export
	// per-cycle trace spans to. Empty disables tracing.
	TracingCollectorAddr string

	Syslog SyslogConfig
}

var configValidator = validatorpkg.New()

// Validate enforces Config's `validate` struct tags, catching a missing
// required field (an empty TAL directory, an unset RTR listen address,
// a zero-value fetch concurrency) before the command spends a cycle
// acting on a half-specified configuration.
func (c *Config) Validate() error {
	return configValidator.Struct(c)
}

// SyslogConfig defines the config for syslogging.
type SyslogConfig struct {
	StdoutLevel int
	SyslogLevel int
}

// ConfigDuration is just an alias for time.Duration that allows
// serialization to and from JSON.
type ConfigDuration struct {
	time.Duration
}

// ErrDurationMustBeString is returned when a non-string value is
// presented to be deserialized as a ConfigDuration.
var ErrDurationMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigDuration")

// UnmarshalJSON parses a string into a ConfigDuration using
// time.ParseDuration. If the input does not unmarshal as a string, then
// UnmarshalJSON returns ErrDurationMustBeString.
func (d *ConfigDuration) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return ErrDurationMustBeString
		}
		return err
	}
	dd, err := time.ParseDuration(s)
	d.Duration = dd
	return err
}

// MarshalJSON returns the string form of the duration, as a byte array.
func (d ConfigDuration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

// A ConfigSecret represents a string-valued config field. It may be
// specified directly in the config or, if it starts with the string
// "secret:", its contents are read from the filename that comes after
// "secret:", with trailing newlines removed.
type ConfigSecret string

var errSecretMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigSecret")

const secretPrefix = "secret:"

// UnmarshalJSON unmarshals a ConfigSecret.
func (d *ConfigSecret) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return errSecretMustBeString
		}
		return err
	}
	if !strings.HasPrefix(s, secretPrefix) {
		*d = ConfigSecret(s)
		return nil
	}
	contents, err := ioutil.ReadFile(s[len(secretPrefix):])
	if err != nil {
		return err
	}
	*d = ConfigSecret(strings.TrimRight(string(contents), "\n"))
	return nil
}
