package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3 implements Store over an S3-compatible endpoint. Conditional creation
// uses PutObject with If-None-Match: *; ownership verification uses the
// ExpectedBucketOwner request parameter.
type S3 struct {
	api    *s3.Client
	region string
}

// NewS3FromEnv initialises an S3 store from environment variables.
//
// Required:
//   - S3_ENDPOINT: host:port or full URL of the S3 endpoint.
//   - S3_ACCESS_KEY / S3_SECRET_KEY: static credentials.
//
// Optional:
//   - S3_REGION (default "us-east-1").
//   - S3_DISABLE_TLS (bool; default false).
//   - S3_FORCE_PATH_STYLE (bool; default true).
func NewS3FromEnv(ctx context.Context) (*S3, error) {
	endpoint := strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")
	region := os.Getenv("S3_REGION")
	if region == "" {
		region = "us-east-1"
	}

	if endpoint == "" {
		return nil, errors.New("S3_ENDPOINT is required")
	}
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}

	disableTLS, _ := strconv.ParseBool(os.Getenv("S3_DISABLE_TLS"))
	forcePathStyle := true
	if v := strings.TrimSpace(os.Getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			forcePathStyle = parsed
		}
	}

	scheme := "https"
	if disableTLS {
		scheme = "http"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &S3{api: client, region: region}, nil
}

func (c *S3) EnsureBucket(ctx context.Context, bucket, projectID string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if c.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(c.region),
		}
	}
	_, err := c.api.CreateBucket(ctx, input)
	if err == nil {
		return nil
	}

	var owned *s3types.BucketAlreadyOwnedByYou
	var exists *s3types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		// Idempotent create; ownership is verified separately.
		return nil
	}
	return fmt.Errorf("create bucket %q: %w", bucket, err)
}

func (c *S3) VerifyOwner(ctx context.Context, bucket, expected string) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket:              aws.String(bucket),
		ExpectedBucketOwner: aws.String(expected),
	})
	if err == nil {
		return nil
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusForbidden {
		return fmt.Errorf("bucket %q is not owned by account %s: %w", bucket, expected, ErrOwnerMismatch)
	}
	return fmt.Errorf("head bucket %q: %w", bucket, err)
}

func (c *S3) Download(ctx context.Context, bucket, key string, dst io.Writer) (int64, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return 0, fmt.Errorf("download %s/%s: %w", bucket, key, ErrNotFound)
		}
		return 0, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(dst, out.Body)
	if err != nil {
		return n, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return n, nil
}

func (c *S3) CopyIfAbsent(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (bool, error) {
	// CopyObject has no conditional-create form, so stream the source
	// through a conditional PutObject instead.
	src, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(srcBucket),
		Key:    aws.String(srcKey),
	})
	if err != nil {
		return false, fmt.Errorf("read source %s/%s: %w", srcBucket, srcKey, err)
	}
	defer src.Body.Close()

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(dstBucket),
		Key:           aws.String(dstKey),
		Body:          src.Body,
		ContentLength: src.ContentLength,
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			// Destination already exists; another writer won the race.
			return false, nil
		}
		return false, fmt.Errorf("copy to %s/%s: %w", dstBucket, dstKey, err)
	}
	return true, nil
}
