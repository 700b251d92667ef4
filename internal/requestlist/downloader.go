package requestlist

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPDownloader is the default Downloader, used to fetch plain-text
// remote URL lists. It is a thin utility for pulling down a list-of-URLs
// document, not the page-fetching transport the crawler itself uses,
// which is supplied externally.
type HTTPDownloader struct {
	Client *http.Client
}

// NewHTTPDownloader builds an HTTPDownloader with a sane default client.
func NewHTTPDownloader() *HTTPDownloader {
	return &HTTPDownloader{Client: &http.Client{}}
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("requestlist: %s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (d *HTTPDownloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}
