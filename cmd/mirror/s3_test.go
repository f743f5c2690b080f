package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/airframesio/table-exporter/cmd/organizer"
)

// fakeBucket is an in-memory object store behind both S3 interfaces the mirror uses.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, types: map[string]string{}}
}

func (b *fakeBucket) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (b *fakeBucket) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return b.UploadWithContext(context.Background(), in, opts...)
}

func (b *fakeBucket) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := aws.StringValue(in.Key)
	b.objects[key] = data
	b.types[key] = aws.StringValue(in.ContentType)
	return &s3manager.UploadOutput{Location: "s3://" + aws.StringValue(in.Bucket) + "/" + key}, nil
}

func newTestMirror(prefix string, bucket *fakeBucket) *S3Mirror {
	return &S3Mirror{
		cfg:      Config{Bucket: "exports", Region: "us-east-1", Prefix: prefix},
		client:   bucket,
		uploader: bucket,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		dir    string
		name   string
		want   string
	}{
		{"", "public.orders", "part_00000.parquet", "public.orders/part_00000.parquet"},
		{"exports/", "public.orders_v2", "part_00001.csv.zst", "exports/public.orders_v2/part_00001.csv.zst"},
		{"/nightly/db1/", "_metadata", "exp_1.json", "nightly/db1/_metadata/exp_1.json"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			m := newTestMirror(tt.prefix, newFakeBucket())
			if got := m.ObjectKey(tt.dir, tt.name); got != tt.want {
				t.Errorf("ObjectKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMirrorUploadsPromotedTables(t *testing.T) {
	root := t.TempDir()
	finalRoot := filepath.Join(root, "final")
	writeFile(t, filepath.Join(finalRoot, "public.orders", "part_00000.parquet"), "PAR1data")
	writeFile(t, filepath.Join(finalRoot, "public.orders", "part_00001.parquet"), "PAR1more")
	writeFile(t, filepath.Join(finalRoot, "public.users_v2", "part_00000.csv.zst"), "zstd")
	metadata := filepath.Join(root, "archive", "exp_1_20240301T000000.000000000Z.json")
	writeFile(t, metadata, `{"job_id":"exp_1"}`)

	res := organizer.OrganizationResult{
		JobID: "exp_1",
		Tables: []organizer.TableResult{
			{Table: "public.orders", FinalDir: filepath.Join(finalRoot, "public.orders")},
			{Table: "public.users", FinalDir: filepath.Join(finalRoot, "public.users_v2"), VersionSuffix: "_v2"},
			{Table: "public.empty", Skipped: true},
		},
		MetadataPath: metadata,
	}

	bucket := newFakeBucket()
	m := newTestMirror("backups", bucket)
	report, err := m.Mirror(context.Background(), res, finalRoot)
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}

	want := []string{
		"backups/_metadata/exp_1_20240301T000000.000000000Z.json",
		"backups/public.orders/part_00000.parquet",
		"backups/public.orders/part_00001.parquet",
		"backups/public.users_v2/part_00000.csv.zst",
	}
	got := append([]string(nil), report.Uploaded...)
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("uploaded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("uploaded[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if ct := bucket.types["backups/public.orders/part_00000.parquet"]; ct != "application/vnd.apache.parquet" {
		t.Errorf("parquet content type = %q", ct)
	}
	if ct := bucket.types["backups/public.users_v2/part_00000.csv.zst"]; ct != "application/zstd" {
		t.Errorf("zstd content type = %q", ct)
	}

	// a second run finds every object in place
	report, err = m.Mirror(context.Background(), res, finalRoot)
	if err != nil {
		t.Fatalf("second Mirror: %v", err)
	}
	if len(report.Uploaded) != 0 || len(report.Skipped) != len(want) {
		t.Errorf("second run uploaded %d, skipped %d", len(report.Uploaded), len(report.Skipped))
	}
}

func TestMirrorReportsMissingDirectories(t *testing.T) {
	root := t.TempDir()
	res := organizer.OrganizationResult{
		Tables: []organizer.TableResult{{Table: "public.gone", FinalDir: filepath.Join(root, "public.gone")}},
	}
	_, err := newTestMirror("", newFakeBucket()).Mirror(context.Background(), res, root)
	if err == nil {
		t.Fatal("expected an error for a missing table directory")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Region: "us-east-1"}).Validate(); !errors.Is(err, ErrBucketRequired) {
		t.Errorf("want ErrBucketRequired, got %v", err)
	}
	if err := (Config{Bucket: "b"}).Validate(); !errors.Is(err, ErrRegionRequired) {
		t.Errorf("want ErrRegionRequired, got %v", err)
	}
	if err := (Config{Bucket: "b", Region: "r"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
