// Package source opens the revision and metadata datasets. A location is a
// local path or an object URL; the object is fetched, retried on transient
// failures and decoded according to its file extension, yielding a single
// decompressed byte stream.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"pkt.systems/dataserver/internal/clock"
	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/pslog"
)

var (
	// ErrNotFound is matched when the dataset does not exist.
	ErrNotFound = errors.New("source: not found")
	// ErrUnsupportedScheme is returned for location schemes without a fetcher.
	ErrUnsupportedScheme = errors.New("source: unsupported scheme")
	// ErrMultipleStreams is reported on close when an archive holds more
	// than one logical stream.
	ErrMultipleStreams = errors.New("source: multiple streams")
)

// Opener yields the decoded byte stream behind a location.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, location string) (io.ReadCloser, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	return f(ctx, location)
}

// Object is a fetched, still encoded, dataset.
type Object struct {
	Body io.ReadCloser
	// Size is the encoded length, or -1 when unknown.
	Size int64
}

// Fetcher retrieves objects for one location scheme.
type Fetcher interface {
	Fetch(ctx context.Context, loc Location) (Object, error)
}

// Config wires credentials and tuning for every scheme.
type Config struct {
	// SpoolDir receives temporary copies of remote archives that need
	// random access. Empty uses the system temp directory.
	SpoolDir string
	S3       S3Config
	AWS      AWSConfig
	Azure    AzureConfig
	Retry    RetryConfig
}

// Router dispatches locations to fetchers by scheme and decodes the result.
type Router struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRouter returns a router with fetchers for file, s3, aws and azure
// locations.
func NewRouter(cfg Config, logger pslog.Logger, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.Real{}
	}
	cfg.Retry = cfg.Retry.withDefaults()
	logger = svcfields.WithSubsystem(logger, "source")
	r := &Router{
		cfg:    cfg,
		logger: logger,
		clock:  clk,
		fetchers: map[string]Fetcher{
			SchemeFile:  localFetcher{},
			SchemeS3:    newS3Fetcher(cfg.S3),
			SchemeAWS:   newAWSFetcher(cfg.AWS),
			SchemeAzure: newAzureFetcher(cfg.Azure),
		},
	}
	return r
}

// Register installs or replaces the fetcher for scheme.
func (r *Router) Register(scheme string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[scheme] = f
}

// Open implements Opener.
func (r *Router) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	fetcher, ok := r.fetchers[loc.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, loc.Scheme)
	}
	var obj Object
	err = withRetry(ctx, r.logger, r.clock, r.cfg.Retry, "fetch", loc.String(), func(ctx context.Context) error {
		var ferr error
		obj, ferr = fetcher.Fetch(ctx, loc)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	format := DetectFormat(loc.Name())
	r.logger.Info("source.opened",
		"location", loc.String(),
		"format", format.String(),
		"size", obj.Size,
	)
	body, err := decode(format, obj, r.spoolDir())
	if err != nil {
		return nil, fmt.Errorf("source: decode %s: %w", loc.String(), err)
	}
	return body, nil
}

func (r *Router) spoolDir() string {
	if r.cfg.SpoolDir != "" {
		return r.cfg.SpoolDir
	}
	return os.TempDir()
}
