package fetch

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/groupcache/singleflight"
	"github.com/jmhodges/clock"

	verrors "github.com/openrpki/rpvalid/errors"
	"github.com/openrpki/rpvalid/log"
)

// SyncFunc performs the actual rsync transfer of one module (everything
// under rsync://host/module/) into localDir. It is supplied by the
// external collaborator that owns process invocation; this package never
// execs rsync itself.
type SyncFunc func(ctx context.Context, repoHost, repoModule, localDir string) error

// Fetcher maps rsync:// repository URIs onto a local mirror root and
// ensures each module is synchronized at most once per validation cycle,
// even when many validator goroutines request the same module
// concurrently.
type Fetcher struct {
	root     string
	sync     SyncFunc
	resolver *HostResolver
	logger   log.Logger
	clk      clock.Clock

	group singleflight.Group

	mu     sync.Mutex
	synced map[string]bool // "host/module" already synced this cycle
}

// NewFetcher constructs a Fetcher rooted at localRoot. syncFn performs
// the actual transfer; resolver is used only to classify a host that
// cannot be resolved as an io-error before attempting the sync.
func NewFetcher(localRoot string, syncFn SyncFunc, resolver *HostResolver, logger log.Logger, clk clock.Clock) *Fetcher {
	return &Fetcher{
		root:     localRoot,
		sync:     syncFn,
		resolver: resolver,
		logger:   logger,
		clk:      clk,
		synced:   make(map[string]bool),
	}
}

// BeginCycle clears the per-cycle synced set. The validation driver calls
// this once at the start of each validation cycle, per spec.md §4.D's
// "synced at least once this cycle" rule.
func (f *Fetcher) BeginCycle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = make(map[string]bool)
}

// moduleOf splits an rsync URI's path into its module (the first path
// segment) and the remainder, per the rsync:// namespace convention
// host/module/path...
func moduleOf(u *url.URL) (module, rest string, err error) {
	trimmed := strings.TrimPrefix(u.Path, "/")
	if trimmed == "" {
		return "", "", verrors.InvalidInputError("rsync URI %q has no module component", u.String())
	}
	parts := strings.SplitN(trimmed, "/", 2)
	module = parts[0]
	if len(parts) == 2 {
		rest = parts[1]
	}
	return module, rest, nil
}

// LocalPath maps an rsync:// URI to the local filesystem path it would
// occupy under the mirror root, without syncing anything.
func (f *Fetcher) LocalPath(rsyncURI string) (string, error) {
	u, module, rest, err := f.parse(rsyncURI)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, u.Host, module, filepath.FromSlash(rest)), nil
}

func (f *Fetcher) parse(rsyncURI string) (u *url.URL, module, rest string, err error) {
	u, err = url.Parse(rsyncURI)
	if err != nil {
		return nil, "", "", verrors.InvalidInputError("parsing rsync URI %q: %s", rsyncURI, err)
	}
	if u.Scheme != "rsync" {
		return nil, "", "", verrors.InvalidInputError("URI %q is not an rsync:// URI", rsyncURI)
	}
	if u.Host == "" {
		return nil, "", "", verrors.InvalidInputError("rsync URI %q has no host", rsyncURI)
	}
	module, rest, err = moduleOf(u)
	if err != nil {
		return nil, "", "", err
	}
	return u, module, rest, nil
}

// EnsureSynced guarantees the module containing rsyncURI has been
// synchronized at least once this cycle and returns the local path
// corresponding to rsyncURI's full path within that module. Concurrent
// callers requesting the same module collapse onto a single sync.
func (f *Fetcher) EnsureSynced(ctx context.Context, rsyncURI string) (string, error) {
	u, module, rest, err := f.parse(rsyncURI)
	if err != nil {
		return "", err
	}
	key := u.Host + "/" + module
	localDir := filepath.Join(f.root, u.Host, module)

	f.mu.Lock()
	alreadySynced := f.synced[key]
	f.mu.Unlock()

	if !alreadySynced {
		if f.resolver != nil {
			if _, _, err := f.resolver.LookupHost(u.Host); err != nil {
				return "", verrors.IOErrorf("resolving rsync host %s: %s", u.Host, err)
			}
		}

		_, err := f.group.Do(key, func() (interface{}, error) {
			f.mu.Lock()
			done := f.synced[key]
			f.mu.Unlock()
			if done {
				return nil, nil
			}
			f.logger.Infof("syncing rsync module %s", key)
			if err := f.sync(ctx, u.Host, module, localDir); err != nil {
				return nil, verrors.IOErrorf("syncing rsync module %s: %s", key, err)
			}
			f.mu.Lock()
			f.synced[key] = true
			f.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return "", err
		}
	}

	return filepath.Join(localDir, filepath.FromSlash(rest)), nil
}

// Fetch ensures rsyncURI's module is synced and returns the object's
// bytes, satisfying the validation walker's Source interface without
// that package needing to know about local mirror layout at all.
func (f *Fetcher) Fetch(ctx context.Context, rsyncURI string) ([]byte, error) {
	localPath, err := f.EnsureSynced(ctx, rsyncURI)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, verrors.IOErrorf("reading %s: %s", localPath, err)
	}
	return data, nil
}

// JoinRsyncURI appends a relative reference (as found in a manifest
// entry) to a base rsync:// directory URI. path.Join is avoided here
// since it would collapse the "//" after the scheme.
func JoinRsyncURI(base, ref string) string {
	if strings.HasSuffix(base, "/") {
		return base + ref
	}
	return base + "/" + ref
}
