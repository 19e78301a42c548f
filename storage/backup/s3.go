package backup

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Target uploads objects to a single S3 bucket under a key prefix.
type S3Target struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Target builds an S3Target using the AWS SDK's default credential and
// region resolution chain.
func NewS3Target(ctx context.Context, bucket, prefix string) (*S3Target, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &S3Target{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// PutObject implements Target.
func (t *S3Target) PutObject(ctx context.Context, key string, r *os.File, size int64) error {
	fullKey := key
	if t.prefix != "" {
		fullKey = t.prefix + "/" + key
	}
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(fullKey),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	return err
}
