package swcache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// originFetcher is the network as seen by the worker: relative URLs resolve
// against the origin, absolute ones (CDNs) are fetched as they are.
type originFetcher struct {
	origin string
	client *http.Client
}

func NewOriginFetcher(origin string, client *http.Client) Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &originFetcher{origin: strings.TrimRight(origin, "/"), client: client}
}

func (f *originFetcher) resolve(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return f.origin + u
}

func (f *originFetcher) Fetch(ctx context.Context, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, f.resolve(r.URL), nil)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   body,
	}
	out.Header.Del("Content-Length")
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
