package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/hindsight/internal/archive"
	"github.com/aristath/hindsight/internal/modules/calculations"
)

// CachePruneJob evicts expired statistics cache entries, in memory and in
// the persistent cache database.
type CachePruneJob struct {
	cache *calculations.Cache
	log   zerolog.Logger
}

// NewCachePruneJob creates a new cache prune job.
func NewCachePruneJob(cache *calculations.Cache, log zerolog.Logger) *CachePruneJob {
	return &CachePruneJob{
		cache: cache,
		log:   log.With().Str("component", "cache_prune_job").Logger(),
	}
}

// Run prunes once; registered with the scheduler as its job function.
func (j *CachePruneJob) Run() error {
	pruned, err := j.cache.PruneExpired()
	if err != nil {
		return err
	}
	j.log.Info().Int64("pruned", pruned).Msg("Pruned expired cache entries")
	return nil
}

// ArchiveSnapshotJob uploads a snapshot of the results database to S3.
type ArchiveSnapshotJob struct {
	uploader *archive.Uploader
	path     string
	timeout  time.Duration
	log      zerolog.Logger
}

// NewArchiveSnapshotJob creates a job that archives the file at path.
func NewArchiveSnapshotJob(uploader *archive.Uploader, path string, log zerolog.Logger) *ArchiveSnapshotJob {
	return &ArchiveSnapshotJob{
		uploader: uploader,
		path:     path,
		timeout:  10 * time.Minute,
		log:      log.With().Str("component", "archive_snapshot_job").Logger(),
	}
}

func (j *ArchiveSnapshotJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.uploader.ArchiveFile(ctx, j.path)
}
