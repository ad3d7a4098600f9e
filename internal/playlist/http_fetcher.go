package playlist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPFetcher fetches playlist text over HTTP(S), honoring a '|'-delimited
// header suffix on the URL by attaching each ';'-separated "Key: Value"
// pair as a request header.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher builds an HTTPFetcher with the given client (its Timeout
// should already reflect the configured HTTP timeout).
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{Client: client}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	url, headerSuffix := SplitHeaderSuffix(rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	ApplyHeaderSuffix(req, headerSuffix)

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: unexpected status %d fetching %s", ErrTransport, resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	return string(body), nil
}

// ApplyHeaderSuffix parses a ';'-separated list of "Key: Value" pairs
// carried in a segment/playlist URL's header suffix and sets them on req.
// Shared with the segment downloader, which must apply the same
// suffix to its own segment GET requests.
func ApplyHeaderSuffix(req *http.Request, headerSuffix string) {
	if headerSuffix == "" {
		return
	}
	for _, part := range strings.Split(headerSuffix, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key != "" {
			req.Header.Set(key, value)
		}
	}
}
