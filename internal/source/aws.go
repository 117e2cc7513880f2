package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
)

// AWSConfig configures aws:// locations. Credentials come from the SDK's
// default chain.
type AWSConfig struct {
	Region string
	// Endpoint overrides the service endpoint, e.g. for S3-compatible
	// gateways. Path-style addressing is used when set.
	Endpoint string
}

type awsFetcher struct {
	cfg AWSConfig
}

func newAWSFetcher(cfg AWSConfig) *awsFetcher {
	return &awsFetcher{cfg: cfg}
}

func (f *awsFetcher) client(ctx context.Context, loc Location) (*s3.Client, error) {
	region := strings.TrimSpace(f.cfg.Region)
	if v := strings.TrimSpace(loc.Query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		return nil, fmt.Errorf("aws: region required (set aws://bucket/key?region=... or --aws-region)")
	}
	endpoint := strings.TrimSpace(f.cfg.Endpoint)
	if v := strings.TrimSpace(loc.Query.Get("endpoint")); v != "" {
		endpoint = v
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport()}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			if !strings.Contains(endpoint, "://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Fetch streams the object body.
func (f *awsFetcher) Fetch(ctx context.Context, loc Location) (Object, error) {
	client, err := f.client(ctx, loc)
	if err != nil {
		return Object{}, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return Object{}, classifyAWSError(err, loc)
	}
	return Object{Body: out.Body, Size: aws.ToInt64(out.ContentLength)}, nil
}

func classifyAWSError(err error, loc Location) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrNotFound, loc.String())
		}
	}
	if status, ok := awsStatusCode(err); ok {
		if status == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, loc.String())
		}
		if isRetryableStatus(status) {
			return NewTransientError(fmt.Errorf("aws: get %s: %w", loc.String(), err))
		}
	}
	if isNetworkRetryable(err) {
		return NewTransientError(fmt.Errorf("aws: get %s: %w", loc.String(), err))
	}
	return fmt.Errorf("aws: get %s: %w", loc.String(), err)
}

func awsStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}
