// Package fetch downloads remote partition files to local temporary storage
// with bounded retries.
package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"openalexetl/internal/objectstore"
	"openalexetl/internal/snapshot"
)

// Logger is the minimal logging interface used by the fetcher.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Backoff is an explicit retry policy: a fixed attempt ceiling (so a
// permanently unreachable remote cannot stall a run forever) and a growing
// delay between attempts.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultBackoff tolerates transient network errors without dragging out a
// hard failure: 3 attempts, 2s then 4s between them.
var DefaultBackoff = Backoff{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}

// Delay returns the pause before attempt n (1-based; no pause before the
// first attempt).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.BaseDelay <= 0 {
		return 0
	}
	d := b.BaseDelay
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
	}
	return d
}

// Fetcher retrieves remote files into TempDir.
type Fetcher struct {
	Store   objectstore.Store
	TempDir string
	Policy  Backoff
	Logger  Logger

	// sleep is a seam for deterministic tests. When nil, time.Sleep is used.
	sleep func(d time.Duration)
}

// Fetch downloads one file, returning the local path.
//
// Every failed attempt removes the partial local file before the next try, so
// a later success never observes bytes from an earlier failure. Exhausting
// all attempts is an ordinary error, not a process-fatal condition: the
// caller decides what an unfetchable file means for the run.
func (f *Fetcher) Fetch(ctx context.Context, fd snapshot.FileDescriptor) (string, error) {
	policy := f.Policy
	if policy.MaxAttempts <= 0 {
		policy = DefaultBackoff
	}

	// Partition files reuse names across entities (every entity has a
	// part_000.gz), so a flat TempDir would let concurrent entity runs
	// clobber each other's downloads. Each entity gets its own subdir.
	dir := filepath.Join(f.TempDir, fd.Entity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("fetch: temp dir: %w", err)
	}
	local := filepath.Join(dir, fd.Name)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if d := policy.Delay(attempt); d > 0 {
			f.sleepFor(d)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if err := f.download(ctx, fd.RemotePath, local); err != nil {
			lastErr = err
			_ = os.Remove(local)
			f.logf("fetch: attempt %d/%d failed for %s: %v", attempt, policy.MaxAttempts, fd.RemotePath, err)
			continue
		}
		return local, nil
	}

	return "", fmt.Errorf("fetch: %s: %d attempts exhausted: %w", fd.RemotePath, policy.MaxAttempts, lastErr)
}

func (f *Fetcher) download(ctx context.Context, remote, local string) error {
	body, err := f.Store.Get(ctx, remote)
	if err != nil {
		return err
	}
	defer body.Close()

	out, err := os.Create(local)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, body); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (f *Fetcher) sleepFor(d time.Duration) {
	if f.sleep != nil {
		f.sleep(d)
		return
	}
	time.Sleep(d)
}

func (f *Fetcher) logf(format string, v ...any) {
	if f.Logger != nil {
		f.Logger.Printf(format, v...)
	}
}
