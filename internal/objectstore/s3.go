// Package objectstore copies local files to S3.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"econstats/internal/config"
)

// Uploader is the subset of *s3manager.Uploader used here.
type Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// Bucket uploads files under a key prefix.
type Bucket struct {
	uploader Uploader
	name     string
	prefix   string
}

// New opens a session for cfg.Region. Credentials come from the SDK's
// default chain.
func New(cfg config.S3Config) (*Bucket, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: session: %w", err)
	}
	return NewWithUploader(s3manager.NewUploader(sess), cfg.Bucket, cfg.Prefix), nil
}

// NewWithUploader wraps an existing uploader.
func NewWithUploader(u Uploader, bucket, prefix string) *Bucket {
	return &Bucket{uploader: u, name: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key joins the bucket prefix with parts.
func (b *Bucket) Key(parts ...string) string {
	return path.Join(append([]string{b.prefix}, parts...)...)
}

// UploadFile copies the local file to key and returns its s3:// location.
func (b *Bucket) UploadFile(ctx context.Context, key, localPath string, metadata map[string]string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("objectstore: open %s: %w", localPath, err)
	}
	defer f.Close()

	in := &s3manager.UploadInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Body:   f,
	}
	if len(metadata) > 0 {
		in.Metadata = aws.StringMap(metadata)
	}
	if _, err := b.uploader.UploadWithContext(ctx, in); err != nil {
		return "", fmt.Errorf("objectstore: upload s3://%s/%s: %w", b.name, key, err)
	}
	return "s3://" + b.name + "/" + key, nil
}
