package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/dataserver/internal/clock"
	"pkt.systems/pslog"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		raw    string
		want   Location
		errMsg string
	}{
		{raw: "/data/rev.xml.7z", want: Location{Scheme: SchemeFile, Key: "/data/rev.xml.7z"}},
		{raw: "file:///data/meta.csv.gz", want: Location{Scheme: SchemeFile, Key: "/data/meta.csv.gz"}},
		{raw: "s3://minio:9000/datasets/2017/rev.xml.zst?insecure=true", want: Location{Scheme: SchemeS3, Host: "minio:9000", Bucket: "datasets", Key: "2017/rev.xml.zst"}},
		{raw: "aws://datasets/rev.xml?region=eu-west-1", want: Location{Scheme: SchemeAWS, Bucket: "datasets", Key: "rev.xml"}},
		{raw: "azure://acct/container/dir/meta.csv", want: Location{Scheme: SchemeAzure, Host: "acct", Bucket: "container", Key: "dir/meta.csv"}},
		{raw: "", errMsg: "empty location"},
		{raw: "s3:///bucket/key", errMsg: "missing host"},
		{raw: "s3://host/bucket", errMsg: "bucket and key"},
		{raw: "aws://bucket", errMsg: "bucket and key"},
		{raw: "azure://acct/container", errMsg: "account, container and blob"},
		{raw: "ftp://host/file", errMsg: "unsupported scheme"},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseLocation(tc.raw)
			if tc.errMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tc.errMsg) {
					t.Fatalf("expected error containing %q, got %v", tc.errMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Scheme != tc.want.Scheme || got.Host != tc.want.Host || got.Bucket != tc.want.Bucket || got.Key != tc.want.Key {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestLocationStringOmitsQuery(t *testing.T) {
	loc, err := ParseLocation("azure://acct/c/blob.csv?sas=secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s := loc.String(); strings.Contains(s, "secret") || s != "azure://acct/c/blob.csv" {
		t.Fatalf("unexpected string %q", s)
	}
	if loc.Name() != "blob.csv" {
		t.Fatalf("unexpected name %q", loc.Name())
	}
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]Format{
		"rev.xml":        FormatPlain,
		"rev.xml.7z":     Format7z,
		"rev.xml.ZST":    FormatZstd,
		"meta.csv.gz":    FormatGzip,
		"meta.csv.bz2":   FormatBzip2,
		"meta.csv.sz":    FormatSnappy,
		"meta.csv.zstd":  FormatZstd,
		"archive.tar.7z": Format7z,
	}
	for name, want := range tests {
		if got := DetectFormat(name); got != want {
			t.Fatalf("%s: expected %s, got %s", name, want, got)
		}
	}
}

const payload = "REVISION_ID,REVISION_SESSION_ID\r\n1,2\r\n3,4\r\n"

func writeFile(t *testing.T, name string, encode func(io.Writer) io.WriteCloser) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w := encode(f)
	if _, err := io.WriteString(w, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestRouterOpensLocalFormats(t *testing.T) {
	tests := []struct {
		name   string
		encode func(io.Writer) io.WriteCloser
	}{
		{name: "meta.csv", encode: func(w io.Writer) io.WriteCloser { return nopWriteCloser{w} }},
		{name: "meta.csv.gz", encode: func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) }},
		{name: "meta.csv.zst", encode: func(w io.Writer) io.WriteCloser {
			enc, err := zstd.NewWriter(w)
			if err != nil {
				t.Fatalf("zstd writer: %v", err)
			}
			return enc
		}},
		{name: "meta.csv.sz", encode: func(w io.Writer) io.WriteCloser { return snappy.NewBufferedWriter(w) }},
	}
	router := NewRouter(Config{}, pslog.NoopLogger(), nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.name, tc.encode)
			rc, err := router.Open(context.Background(), path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			data, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if err := rc.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if string(data) != payload {
				t.Fatalf("unexpected payload %q", data)
			}
		})
	}
}

func TestGzipSecondMemberFailsOnClose(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 2; i++ {
		zw := gzip.NewWriter(&buf)
		if _, err := io.WriteString(zw, payload); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "meta.csv.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	rc, err := NewRouter(Config{}, pslog.NoopLogger(), nil).Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != payload {
		t.Fatalf("expected only the first member, got %q", data)
	}
	if err := rc.Close(); !errors.Is(err, ErrMultipleStreams) {
		t.Fatalf("expected ErrMultipleStreams, got %v", err)
	}
}

func TestRouterNotFound(t *testing.T) {
	_, err := NewRouter(Config{}, pslog.NoopLogger(), nil).Open(context.Background(), filepath.Join(t.TempDir(), "missing.xml"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type flakyFetcher struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyFetcher) Fetch(context.Context, Location) (Object, error) {
	if f.calls.Add(1) <= f.failures {
		return Object{}, NewTransientError(errors.New("503 slow down"))
	}
	return Object{Body: io.NopCloser(strings.NewReader(payload)), Size: int64(len(payload))}, nil
}

func TestRouterRetriesTransientFailures(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	router := NewRouter(Config{Retry: RetryConfig{MaxAttempts: 3}}, pslog.NoopLogger(), clk)
	fetcher := &flakyFetcher{failures: 2}
	router.Register(SchemeS3, fetcher)

	type result struct {
		rc  io.ReadCloser
		err error
	}
	done := make(chan result, 1)
	go func() {
		rc, err := router.Open(context.Background(), "s3://host/bucket/meta.csv")
		done <- result{rc, err}
	}()
	for waits := 0; waits < 2; waits++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := clk.BlockUntil(ctx, 1)
		cancel()
		if err != nil {
			t.Fatalf("retry %d never scheduled a backoff: %v", waits+1, err)
		}
		clk.Advance(DefaultRetryMaxDelay)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("open: %v", res.err)
	}
	defer res.rc.Close()
	if got := fetcher.calls.Load(); got != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", got)
	}
}

func TestRouterDoesNotRetryPermanentFailures(t *testing.T) {
	router := NewRouter(Config{}, pslog.NoopLogger(), clock.NewManual(time.Unix(0, 0)))
	var calls atomic.Int32
	router.Register(SchemeAWS, fetcherFunc(func(context.Context, Location) (Object, error) {
		calls.Add(1)
		return Object{}, errors.New("access denied")
	}))
	if _, err := router.Open(context.Background(), "aws://bucket/key"); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

type fetcherFunc func(context.Context, Location) (Object, error)

func (f fetcherFunc) Fetch(ctx context.Context, loc Location) (Object, error) { return f(ctx, loc) }

func setupFakeS3(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket("datasets"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return server, strings.TrimPrefix(server.URL, "http://")
}

func TestS3FetcherStreamsCompressedObject(t *testing.T) {
	_, endpoint := setupFakeS3(t)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(zw, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4("test", "test", ""),
		Secure:       false,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()
	if _, err := client.PutObject(ctx, "datasets", "2017/meta.csv.gz", bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	router := NewRouter(Config{S3: S3Config{AccessKeyID: "test", SecretAccessKey: "test", Region: "us-east-1"}}, pslog.NoopLogger(), nil)
	rc, err := router.Open(ctx, "s3://"+endpoint+"/datasets/2017/meta.csv.gz?insecure=true&path-style=true")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(data) != payload {
		t.Fatalf("unexpected payload %q", data)
	}

	_, err = router.Open(ctx, "s3://"+endpoint+"/datasets/missing.csv?insecure=true&path-style=true")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net/?comp=list", "?sv=1&sig=x")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?comp=list&sv=1&sig=x" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}
