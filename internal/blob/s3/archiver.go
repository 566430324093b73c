package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"divetrader/internal/backtest"
)

// putObjectAPI is the part of the S3 client the archiver uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads backtest results as JSON documents.
type Archiver struct {
	api    putObjectAPI
	bucket string
	prefix string
	log    *slog.Logger
}

// NewArchiver returns an archiver writing under prefix in c's bucket.
func NewArchiver(c *Client, prefix string) *Archiver {
	return newArchiver(c.S3(), c.Bucket(), prefix)
}

func newArchiver(api putObjectAPI, bucket, prefix string) *Archiver {
	return &Archiver{
		api:    api,
		bucket: bucket,
		prefix: prefix,
		log:    slog.Default().With("component", "s3-archiver"),
	}
}

// PutJSON encodes v and uploads it at key below the archiver's prefix.
func (a *Archiver) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: encode %s: %w", key, err)
	}
	full := path.Join(a.prefix, key)
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", full, err)
	}
	a.log.Debug("uploaded", "bucket", a.bucket, "key", full, "bytes", len(data))
	return nil
}

// Report implements backtest.Reporter. The result lands at
// <prefix>/backtests/<run id>.json.
func (a *Archiver) Report(ctx context.Context, res *backtest.Result) error {
	return a.PutJSON(ctx, path.Join("backtests", backtest.RunID(res)+".json"), res)
}

// Compile-time interface check.
var _ backtest.Reporter = (*Archiver)(nil)
