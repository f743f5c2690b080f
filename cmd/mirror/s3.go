// Package mirror copies organized export output to S3-compatible object storage.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/dustin/go-humanize"

	"github.com/airframesio/table-exporter/cmd/organizer"
)

var (
	ErrBucketRequired = errors.New("S3 bucket is required")
	ErrRegionRequired = errors.New("S3 region is required")
)

// Config holds S3 mirror settings.
type Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Region    string `mapstructure:"region" yaml:"region"`
	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// Validate checks the settings needed to open a session.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return ErrBucketRequired
	}
	if c.Region == "" {
		return ErrRegionRequired
	}
	return nil
}

type headObjectAPI interface {
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
}

// S3Mirror uploads promoted table directories and the job metadata record.
type S3Mirror struct {
	cfg      Config
	client   headObjectAPI
	uploader s3manageriface.UploaderAPI
	logger   *slog.Logger
}

// Report summarizes one mirror run.
type Report struct {
	Uploaded []string
	Skipped  []string
	Bytes    int64
}

// NewS3Mirror opens an S3 session. Path-style addressing keeps MinIO and other
// S3-compatible endpoints working.
func NewS3Mirror(cfg Config, logger *slog.Logger) (*S3Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return &S3Mirror{
		cfg:      cfg,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		logger:   logger.With("component", "mirror"),
	}, nil
}

// Mirror uploads every file of every promoted table plus the metadata record. Objects that
// already exist with the same size are skipped, so a re-run after a partial upload is cheap.
func (m *S3Mirror) Mirror(ctx context.Context, res organizer.OrganizationResult, finalRoot string) (Report, error) {
	var report Report
	var errs []error

	for _, t := range res.Tables {
		if t.Skipped || t.Error != "" || t.FinalDir == "" {
			continue
		}
		entries, err := os.ReadDir(t.FinalDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("table %s: %w", t.Table, err))
			continue
		}
		rel, err := filepath.Rel(finalRoot, t.FinalDir)
		if err != nil {
			rel = filepath.Base(t.FinalDir)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			local := filepath.Join(t.FinalDir, e.Name())
			if err := m.upload(ctx, local, m.ObjectKey(rel, e.Name()), &report); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if res.MetadataPath != "" {
		key := m.ObjectKey("_metadata", filepath.Base(res.MetadataPath))
		if err := m.upload(ctx, res.MetadataPath, key, &report); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("mirror finished",
		"bucket", m.cfg.Bucket,
		"uploaded", len(report.Uploaded),
		"skipped", len(report.Skipped),
		"size", humanize.IBytes(uint64(report.Bytes)))
	return report, errors.Join(errs...)
}

// ObjectKey joins the prefix and a slash-separated relative path.
func (m *S3Mirror) ObjectKey(dir, name string) string {
	parts := []string{strings.Trim(m.cfg.Prefix, "/"), filepath.ToSlash(dir), name}
	return strings.TrimPrefix(path.Join(parts...), "/")
}

func (m *S3Mirror) upload(ctx context.Context, local, key string, report *Report) error {
	info, err := os.Stat(local)
	if err != nil {
		return err
	}

	if exists, size := m.objectSize(ctx, key); exists && size == info.Size() {
		m.logger.Debug("object already mirrored", "key", key)
		report.Skipped = append(report.Skipped, key)
		return nil
	}

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	m.logger.Debug("uploading", "bucket", m.cfg.Bucket, "key", key, "size", humanize.IBytes(uint64(info.Size())))
	_, err = m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(m.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(local)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	report.Uploaded = append(report.Uploaded, key)
	report.Bytes += info.Size()
	return nil
}

func (m *S3Mirror) objectSize(ctx context.Context, key string) (bool, int64) {
	out, err := m.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, 0
	}
	return true, aws.Int64Value(out.ContentLength)
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".parquet"):
		return "application/vnd.apache.parquet"
	case strings.HasSuffix(name, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(name, ".lz4"):
		return "application/x-lz4"
	case strings.HasSuffix(name, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".jsonl"):
		return "application/x-ndjson"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
