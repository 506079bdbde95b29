package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
)

// ArtifactFetcher retrieves a lab topology document by its artifact URI.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, artifactURI string) ([]byte, error)
}

// S3Client is the subset of *s3.Client the fetcher calls.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher fetches artifacts stored as s3://bucket/key objects.
type S3Fetcher struct {
	client S3Client
}

// NewS3Fetcher wraps an S3 client.
func NewS3Fetcher(client S3Client) *S3Fetcher {
	return &S3Fetcher{client: client}
}

// Fetch downloads the object named by artifactURI (s3://bucket/key).
func (f *S3Fetcher) Fetch(ctx context.Context, artifactURI string) ([]byte, error) {
	bucket, key, err := parseS3URI(artifactURI)
	if err != nil {
		return nil, err
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, orcherr.Wrap(orcherr.ExternalTransient, err, "s3 GetObject failed for %s", artifactURI)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.ExternalTransient, err, "failed to read artifact body for %s", artifactURI)
	}
	return body, nil
}

func parseS3URI(artifactURI string) (bucket, key string, err error) {
	u, parseErr := url.Parse(artifactURI)
	if parseErr != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", orcherr.New(orcherr.InvalidArgument, "artifact_uri %q is not a valid s3:// URI", artifactURI)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// VerifyHash reports whether sha256(body) matches expectedHex.
func VerifyHash(body []byte, expectedHex string) bool {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]) == expectedHex
}
