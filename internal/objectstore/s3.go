package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// s3Store reads from an S3 bucket. The source corpus is published in a public
// bucket, so the client signs nothing (anonymous credentials), matching
// `aws s3 ... --no-sign-request`.
type s3Store struct {
	client *s3.S3
	bucket string
}

func init() {
	Register("s3", newS3)
}

func newS3(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: s3 requires Bucket")
	}

	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String("us-east-1"),
		Credentials: credentials.AnonymousCredentials,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: s3 session: %w", err)
	}

	return &s3Store{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

// List enumerates immediate children of prefix using the "/" delimiter.
// Common prefixes come back with a trailing "/" so callers can tell partition
// directories from objects.
func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var out []string
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}

	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimPrefix(aws.StringValue(cp.Prefix), prefix)
			if name != "" {
				out = append(out, name)
			}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if name != "" {
				out = append(out, name)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: s3 list %s: %w", prefix, err)
	}
	return out, nil
}

// Get opens a streaming body for one object; the S3 SDK streams the body, so
// large partition files never need to fit in memory.
func (s *s3Store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: s3 get %s: %w", path, err)
	}
	return obj.Body, nil
}
