// Package pipeline orchestrates one ingestion run: discover the newest
// partition per entity, fetch its unprocessed files, stream them into the
// warehouse, and checkpoint progress after each file.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"openalexetl/internal/fetch"
	"openalexetl/internal/metrics"
	"openalexetl/internal/snapshot"
	"openalexetl/internal/state"
)

// Driver runs entities end to end against a shared warehouse and progress
// store.
type Driver struct {
	State     *state.Store
	Discovery *snapshot.Discovery
	Fetcher   *fetch.Fetcher
	Processor *Processor
	Logger    Logger

	// Parallelism bounds how many entities RunAll works concurrently.
	// Values < 1 mean sequential.
	Parallelism int
}

// RunEntity ingests one entity type.
//
// The file is the unit of progress: each finished file is checkpointed before
// the next begins, so a rerun after a crash re-processes at most the file
// that was in flight (idempotently, via the warehouse conflict handling). An
// unfetchable or over-budget file aborts this entity's run; already
// checkpointed files stay checkpointed.
func (d *Driver) RunEntity(ctx context.Context, entity string) error {
	if d.State.IsEntityComplete(entity) {
		d.logf("%s: already complete, skipping", entity)
		return nil
	}

	partition, err := d.Discovery.LatestPartition(ctx, entity)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoPartition) {
			// Nothing published for this entity. Terminal for this run.
			d.logf("%s: no partition found, marking complete", entity)
			return d.State.MarkEntityComplete(entity)
		}
		return err
	}

	files, err := d.Discovery.ListFiles(ctx, entity, partition)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		d.logf("%s: no files left in %s", entity, partition)
		return d.State.MarkEntityComplete(entity)
	}
	d.logf("%s: %d file(s) to process in %s", entity, len(files), partition)

	for _, fd := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.processOne(ctx, fd); err != nil {
			_ = d.State.LogError(entity, err.Error())
			metrics.IncCounter("ingest_files_total", 1, metrics.Labels{"entity": entity, "status": "failed"})
			return err
		}
		metrics.IncCounter("ingest_files_total", 1, metrics.Labels{"entity": entity, "status": "completed"})
	}

	return d.State.MarkEntityComplete(entity)
}

func (d *Driver) processOne(ctx context.Context, fd snapshot.FileDescriptor) error {
	if err := d.State.MarkInProgress(fd.Entity, fd.Name); err != nil {
		return err
	}

	local, err := d.Fetcher.Fetch(ctx, fd)
	if err != nil {
		return err
	}
	defer os.Remove(local)

	res, err := d.Processor.ProcessFile(ctx, fd.Entity, local)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", fd.Entity, fd.Name, err)
	}
	d.logf("%s: %s done (records=%d skipped=%d errors=%d)", fd.Entity, fd.Name, res.Records, res.Skipped, res.Errors)

	return d.State.MarkFileComplete(fd.Entity, fd.Name)
}

// RunAll ingests the named entities, at most Parallelism at a time.
//
// Entities are independent: one entity's failure never stops the others, and
// the combined error reports every failed entity. The shared context still
// cancels everything on interrupt.
func (d *Driver) RunAll(ctx context.Context, entities []string) error {
	limit := d.Parallelism
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)

	var mu sync.Mutex
	var errs []error

	for _, entity := range entities {
		g.Go(func() error {
			if err := d.RunEntity(ctx, entity); err != nil {
				d.logf("%s: run failed: %v", entity, err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", entity, err))
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}

func (d *Driver) logf(format string, v ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, v...)
	}
}
