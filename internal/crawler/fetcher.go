package crawler

import (
	"bytes"
	"context"
	"net/http"

	"github.com/crawlforge/crawlforge/internal/requests"
)

// Fetcher performs the network request a crawling context's sendRequest
// capability exposes. The concrete page-fetch transport (proxy rotation,
// HTTP/2, a headless browser) is an external collaborator per spec.md
// §1; HTTPFetcher is the plain net/http default every other transport
// can replace by satisfying this interface.
type Fetcher interface {
	Do(ctx context.Context, req *requests.Request) (*http.Response, error)
}

// HTTPFetcher is the zero-configuration Fetcher backed by a plain
// *http.Client.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher builds an HTTPFetcher with http.DefaultClient.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: http.DefaultClient}
}

// Do translates a requests.Request into an *http.Request and executes it.
func (f *HTTPFetcher) Do(ctx context.Context, req *requests.Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Headers.Clone()

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(httpReq)
}
