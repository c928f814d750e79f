package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/makeasinger/melodygen/internal/config"
)

// R2Client stores job artifacts in a Cloudflare R2 bucket through the S3 API.
type R2Client struct {
	s3        *s3.Client
	presign   *s3.PresignClient
	bucket    string
	urlPrefix string
}

func NewR2Client(cfg *config.R2Config) (*R2Client, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("R2 bucket name is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	accountEndpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(accountEndpoint)
	})

	// Without a public domain, objects are addressed on the account endpoint.
	prefix := strings.TrimRight(cfg.PublicURL, "/")
	if prefix == "" {
		prefix = accountEndpoint + "/" + cfg.BucketName
	}

	return &R2Client{
		s3:        api,
		presign:   s3.NewPresignClient(api),
		bucket:    cfg.BucketName,
		urlPrefix: prefix,
	}, nil
}

func (c *R2Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if _, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}); err != nil {
		return "", fmt.Errorf("failed to upload %s to R2: %w", key, err)
	}
	return c.GetPublicURL(key), nil
}

// GetSignedURL presigns a GET of key valid for expiry.
func (c *R2Client) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (c *R2Client) GetPublicURL(key string) string {
	return c.urlPrefix + "/" + key
}

// HealthCheck verifies the bucket is reachable with the configured
// credentials.
func (c *R2Client) HealthCheck(ctx context.Context) error {
	if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("R2 bucket %s unreachable: %w", c.bucket, err)
	}
	return nil
}
