package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/uuid"
)

// target is where a snapshot is written to or read from.
type target interface {
	write(ctx context.Context, data []byte) error
	read(ctx context.Context) ([]byte, error)
	String() string
}

// S3Factory lazily builds an S3 client, so local-only use never touches AWS
// configuration.
type S3Factory func() (s3iface.S3API, error)

func parseTarget(loc string, s3f S3Factory) (target, error) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return nil, errs.Errorf("backup.target", errs.InvalidInput, "a snapshot location is required")
	}
	rest, ok := strings.CutPrefix(loc, "s3://")
	if !ok {
		return &fileTarget{path: loc}, nil
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return nil, errs.Errorf("backup.target", errs.InvalidInput, "%q must look like s3://bucket/key", loc)
	}
	if s3f == nil {
		return nil, errs.Errorf("backup.target", errs.InvalidInput, "S3 locations are not configured")
	}
	return &s3Target{bucket: bucket, key: key, factory: s3f}, nil
}

// ---------------------------------------------------------------------------
// Local file
// ---------------------------------------------------------------------------

type fileTarget struct {
	path string
}

func (f *fileTarget) String() string { return f.path }

// write lands data at a partial name, fsyncs, then renames into place, so
// an interrupted backup never leaves a truncated snapshot at path.
func (f *fileTarget) write(_ context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	partial := f.path + ".partial-" + uuid.New()
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		os.Remove(partial)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(partial)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, f.path); err != nil {
		os.Remove(partial)
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func (f *fileTarget) read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.Errorf("backup.read", errs.NotFound, "snapshot %s does not exist", f.path)
	}
	return data, err
}

// ---------------------------------------------------------------------------
// S3
// ---------------------------------------------------------------------------

type s3Target struct {
	bucket  string
	key     string
	factory S3Factory
}

func (s *s3Target) String() string { return "s3://" + s.bucket + "/" + s.key }

func (s *s3Target) write(ctx context.Context, data []byte) error {
	client, err := s.factory()
	if err != nil {
		return err
	}
	_, err = client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", s, err)
	}
	return nil
}

func (s *s3Target) read(ctx context.Context) ([]byte, error) {
	client, err := s.factory()
	if err != nil {
		return nil, err
	}
	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errs.Errorf("backup.read", errs.NotFound, "snapshot %s does not exist", s)
		}
		return nil, fmt.Errorf("downloading %s: %w", s, err)
	}
	defer out.Body.Close()
	return io.ReadAll(io.LimitReader(out.Body, maxArchiveBytes))
}
