package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds credentials for s3:// locations. Empty keys fall back to
// the AWS and MinIO environment variables, the shared credentials file and
// instance metadata.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Transport       http.RoundTripper
}

type s3Fetcher struct {
	cfg S3Config
}

func newS3Fetcher(cfg S3Config) *s3Fetcher {
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	return &s3Fetcher{cfg: cfg}
}

func (f *s3Fetcher) credentials() *credentials.Credentials {
	if strings.TrimSpace(f.cfg.AccessKeyID) != "" {
		return credentials.NewStaticV4(f.cfg.AccessKeyID, f.cfg.SecretAccessKey, f.cfg.SessionToken)
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{},
	})
}

// client builds a client for the location's endpoint. Query parameters
// insecure=true (or scheme=http) and path-style=true adjust the transport.
func (f *s3Fetcher) client(loc Location) (*minio.Client, error) {
	secure := true
	if strings.EqualFold(loc.Query.Get("scheme"), "http") {
		secure = false
	}
	if insecure, ok := loc.queryBool("insecure"); ok && insecure {
		secure = false
	}
	region := f.cfg.Region
	if v := strings.TrimSpace(loc.Query.Get("region")); v != "" {
		region = v
	}
	options := &minio.Options{
		Creds:     f.credentials(),
		Secure:    secure,
		Region:    region,
		Transport: f.cfg.Transport,
	}
	if pathStyle, ok := loc.queryBool("path-style"); ok && pathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(loc.Host, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return client, nil
}

// Fetch streams the object. GetObject is lazy, so Stat forces the request
// and surfaces missing objects before the body is handed out.
func (f *s3Fetcher) Fetch(ctx context.Context, loc Location) (Object, error) {
	client, err := f.client(loc)
	if err != nil {
		return Object{}, err
	}
	obj, err := client.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, classifyS3Error(err, loc)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return Object{}, classifyS3Error(err, loc)
	}
	return Object{Body: obj, Size: info.Size}, nil
}

func classifyS3Error(err error, loc Location) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrNotFound, loc.String())
	case isRetryableStatus(resp.StatusCode), isNetworkRetryable(err):
		return NewTransientError(fmt.Errorf("s3: get %s: %w", loc.String(), err))
	}
	return fmt.Errorf("s3: get %s: %w", loc.String(), err)
}

func defaultTransport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}
