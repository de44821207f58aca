// Package archive uploads completed run artifacts to S3-compatible storage.
// Archiving is best-effort and disabled by default; a failed upload never
// fails the run that produced the artifact.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/hindsight/internal/config"
	"github.com/aristath/hindsight/internal/domain"
)

// Uploader writes run artifacts to one S3 bucket under a key prefix.
type Uploader struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// New creates an uploader from the archive configuration. Static credentials
// and a custom endpoint support S3-compatible services; without them the
// default AWS credential chain applies.
func New(ctx context.Context, cfg config.ArchiveConfig, log zerolog.Logger) (*Uploader, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO and most S3-compatible services
		}
	})

	return &Uploader{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.TrimSuffix(cfg.Prefix, "/"),
		log:      log.With().Str("component", "archive").Logger(),
	}, nil
}

func (u *Uploader) key(parts ...string) string {
	if u.prefix == "" {
		return strings.Join(parts, "/")
	}
	return u.prefix + "/" + strings.Join(parts, "/")
}

// ArchiveRun uploads a full run result as JSON under runs/<date>/<run id>.
func (u *Uploader) ArchiveRun(ctx context.Context, result *domain.BacktestResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", result.RunID, err)
	}

	key := u.key("runs", time.Now().UTC().Format("2006-01-02"), result.RunID+".json")
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(string(data)),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload run %s: %w", result.RunID, err)
	}

	u.log.Info().Str("run_id", result.RunID).Str("key", key).Msg("Archived run")
	return nil
}

// ArchiveFile uploads a local file (e.g. a results database snapshot) under
// snapshots/<date>/<basename>.
func (u *Uploader) ArchiveFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for archiving: %w", path, err)
	}
	defer f.Close()

	key := u.key("snapshots", time.Now().UTC().Format("2006-01-02"), filepath.Base(path))
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}

	u.log.Info().Str("path", path).Str("key", key).Msg("Archived file")
	return nil
}
