package objectstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"econstats/internal/config"
)

type fakeUploader struct {
	key  string
	body string
	meta map[string]*string
	err  error
}

func (f *fakeUploader) UploadWithContext(ctx aws.Context, in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(in.Body)
	f.key, f.body, f.meta = aws.StringValue(in.Key), string(b), in.Metadata
	return &s3manager.UploadOutput{}, nil
}

func TestUploadFile(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "cpi.csv")
	if err := os.WriteFile(p, []byte("a,b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	u := &fakeUploader{}
	b := NewWithUploader(u, "stats", "/raw/")
	loc, err := b.UploadFile(context.Background(), b.Key("18100004", "cpi.csv"), p, map[string]string{"table": "18100004"})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if loc != "s3://stats/raw/18100004/cpi.csv" || u.key != "raw/18100004/cpi.csv" || u.body != "a,b\n" {
		t.Fatalf("loc=%s key=%s body=%q", loc, u.key, u.body)
	}
	if aws.StringValue(u.meta["table"]) != "18100004" {
		t.Fatalf("metadata = %v", u.meta)
	}
}

func TestUploadFile_Errors(t *testing.T) {
	t.Parallel()

	b := NewWithUploader(&fakeUploader{err: errors.New("denied")}, "stats", "")
	if _, err := b.UploadFile(context.Background(), "k", filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Fatalf("expected open error")
	}

	p := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := b.UploadFile(context.Background(), "k", p, nil); err == nil {
		t.Fatalf("expected upload error")
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	t.Parallel()

	if _, err := New(config.S3Config{}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
