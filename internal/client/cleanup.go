package client

import (
	"context"
	"log/slog"

	"github.com/Codinablack/SpacetimeDB/internal/hostapi"
)

// cleanupGuard is the scope-bound finalizer from spec.md §4.2 / §9. It is the
// idiomatic Go shape of original_source/subscribe.rs's
// `scopeguard::guard(client, |client| tokio::spawn(client.disconnect()))`:
// a defer that, on the happy path, disconnects synchronously and surfaces the
// error to the log; on the cancellation path, detaches the disconnect into
// its own goroutine so a caller racing to shut the whole process down is not
// blocked behind a potentially slow teardown.
type cleanupGuard struct {
	host     hostapi.ModuleHost
	logger   *slog.Logger
	extracted bool
}

func newCleanupGuard(host hostapi.ModuleHost, logger *slog.Logger) *cleanupGuard {
	return &cleanupGuard{host: host, logger: logger}
}

// extract marks the normal-exit path taken: teardown runs synchronously and
// its error is surfaced. Call this, then run, exactly once, right before the
// guard's deferred finalizer would otherwise fire.
func (g *cleanupGuard) extract() {
	g.extracted = true
}

// finalize disconnects the session. On the normal-exit path (extract called
// first) it runs inline and blocks the caller; on the cancellation path it
// is expected to be invoked from a deferred call after the enclosing
// goroutine observed ctx.Done(), and it detaches into its own goroutine.
func (g *cleanupGuard) finalize(ctx context.Context) {
	if g.extracted {
		if err := g.host.Disconnect(ctx); err != nil {
			g.logger.Warn("disconnect error", "error", err)
		}
		return
	}
	go func() {
		if err := g.host.Disconnect(context.Background()); err != nil {
			g.logger.Warn("disconnect error (cancelled)", "error", err)
		}
	}()
}
