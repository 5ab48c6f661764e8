// Package snapshot discovers the most recent data partition for an entity
// type and enumerates the files left to process within it.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"openalexetl/internal/objectstore"
)

// ErrNoPartition is returned when an entity prefix has no partition labels.
var ErrNoPartition = errors.New("snapshot: no partition found")

const (
	partitionPrefix = "updated_date="
	fileSuffix      = ".gz"
)

// FileDescriptor identifies one remote file. Identity for resumability is
// (Entity, Name); Partition and RemotePath are carried for fetching.
type FileDescriptor struct {
	Entity     string
	Partition  string
	Name       string
	RemotePath string
}

// ProgressChecker is the slice of the progress store discovery needs.
type ProgressChecker interface {
	IsFileComplete(entity, file string) bool
}

// Discovery finds partitions and files under "<Base>/<entity>/" in the store.
type Discovery struct {
	Store objectstore.Store
	State ProgressChecker

	// Base is the path segment above the entity directories, "data" for the
	// standard bucket layout.
	Base string
}

// LatestPartition returns the newest partition label for the entity.
//
// Labels embed an ISO date, so lexicographic order equals chronological order
// and the maximum label is the most recent snapshot. Returns ErrNoPartition
// when the entity prefix has no labeled children.
func (d *Discovery) LatestPartition(ctx context.Context, entity string) (string, error) {
	names, err := d.Store.List(ctx, d.entityPrefix(entity))
	if err != nil {
		return "", fmt.Errorf("snapshot: list partitions for %s: %w", entity, err)
	}

	labels := make([]string, 0, len(names))
	for _, n := range names {
		if !strings.HasSuffix(n, "/") {
			continue
		}
		label := strings.TrimSuffix(n, "/")
		if strings.HasPrefix(label, partitionPrefix) {
			labels = append(labels, label)
		}
	}
	if len(labels) == 0 {
		return "", fmt.Errorf("%w: entity=%s", ErrNoPartition, entity)
	}

	sort.Strings(labels)
	return labels[len(labels)-1], nil
}

// ListFiles enumerates the partition's data files, filtered to the expected
// suffix and to files the progress store has not already completed. The
// filter lives here, not in the driver, so discovery never re-announces
// finished work and a rerun's workload is exactly the unfinished remainder.
func (d *Discovery) ListFiles(ctx context.Context, entity, partition string) ([]FileDescriptor, error) {
	prefix := d.entityPrefix(entity) + partition + "/"
	names, err := d.Store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list files for %s/%s: %w", entity, partition, err)
	}

	var out []FileDescriptor
	for _, n := range names {
		if strings.HasSuffix(n, "/") || !strings.HasSuffix(n, fileSuffix) {
			continue
		}
		if d.State != nil && d.State.IsFileComplete(entity, n) {
			continue
		}
		out = append(out, FileDescriptor{
			Entity:     entity,
			Partition:  partition,
			Name:       n,
			RemotePath: prefix + n,
		})
	}
	return out, nil
}

func (d *Discovery) entityPrefix(entity string) string {
	base := d.Base
	if base == "" {
		base = "data"
	}
	return base + "/" + entity + "/"
}
