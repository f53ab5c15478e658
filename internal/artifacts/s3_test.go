package artifacts

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	keys   []string
	bodies []string
	types  []string
}

func (f *fakePutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, *params.Key)
	f.bodies = append(f.bodies, string(data))
	f.types = append(f.types, *params.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestUploadReportUsesPrefix(t *testing.T) {
	fake := &fakePutter{}
	uploader := NewS3UploaderWithClient(fake, S3Config{Bucket: "ci", Prefix: "/delta/"})

	uri, err := uploader.UploadReport(context.Background(), "run-1", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uri != "s3://ci/delta/runs/run-1/report.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	if fake.bodies[0] != `{"ok":true}` || fake.types[0] != "application/json" {
		t.Fatalf("unexpected upload: %+v", fake)
	}
}

func TestUploadOutputFlattensTestID(t *testing.T) {
	fake := &fakePutter{}
	uploader := NewS3UploaderWithClient(fake, S3Config{Bucket: "ci"})

	uri, err := uploader.UploadOutput(context.Background(), "run-1", "run-1-b0", "pkg/auth/TestLogin", []byte("ok"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uri != "s3://ci/runs/run-1/batches/run-1-b0/pkg_auth_TestLogin.log" {
		t.Fatalf("unexpected uri %s", uri)
	}
}
