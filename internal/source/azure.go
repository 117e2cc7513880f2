package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureConfig holds credentials for azure:// locations. Empty values fall
// back to the usual AZURE_STORAGE_* environment variables; with neither a
// key nor a SAS token the container must allow anonymous reads.
type AzureConfig struct {
	AccountKey string
	SASToken   string
	// Endpoint overrides https://<account>.blob.core.windows.net.
	Endpoint string
}

type azureFetcher struct {
	cfg AzureConfig
}

func newAzureFetcher(cfg AzureConfig) *azureFetcher {
	return &azureFetcher{cfg: cfg}
}

func (f *azureFetcher) client(loc Location) (*azblob.Client, error) {
	endpoint := strings.TrimSpace(f.cfg.Endpoint)
	if v := strings.TrimSpace(loc.Query.Get("endpoint")); v != "" {
		endpoint = v
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", loc.Host)
	}
	sas := strings.TrimSpace(f.cfg.SASToken)
	if v := strings.TrimSpace(loc.Query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	key := strings.TrimSpace(f.cfg.AccountKey)
	if key == "" {
		key = firstEnv("AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: transportAdapter{rt: defaultTransport()}}}

	var (
		client *azblob.Client
		err    error
	)
	switch {
	case sas != "":
		withSAS, serr := appendSASToken(endpoint, sas)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, opts)
	case key != "":
		cred, cerr := azblob.NewSharedKeyCredential(loc.Host, key)
		if cerr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	default:
		client, err = azblob.NewClientWithNoCredential(endpoint, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return client, nil
}

// Fetch streams the blob.
func (f *azureFetcher) Fetch(ctx context.Context, loc Location) (Object, error) {
	client, err := f.client(loc)
	if err != nil {
		return Object{}, err
	}
	resp, err := client.DownloadStream(ctx, loc.Bucket, loc.Key, nil)
	if err != nil {
		return Object{}, classifyAzureError(err, loc)
	}
	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return Object{Body: resp.Body, Size: size}, nil
}

func classifyAzureError(err error, loc Location) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, loc.String())
		}
		if isRetryableStatus(respErr.StatusCode) {
			return NewTransientError(fmt.Errorf("azure: download %s: %w", loc.String(), err))
		}
	}
	if isNetworkRetryable(err) {
		return NewTransientError(fmt.Errorf("azure: download %s: %w", loc.String(), err))
	}
	return fmt.Errorf("azure: download %s: %w", loc.String(), err)
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

var _ policy.Transporter = transportAdapter{}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
