package swcache

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrNotHandled means the worker declined the request and the caller must
	// fall through to default network handling.
	ErrNotHandled = errors.New("swcache: request not handled")
	// ErrNotCacheable is returned by Put for non-GET requests and non-2xx responses.
	ErrNotCacheable = errors.New("swcache: response not cacheable")
	// ErrQuotaExceeded is returned by a backend that has no room for an entry.
	ErrQuotaExceeded = errors.New("swcache: quota exceeded")
	// ErrInvalidState is returned when a lifecycle handler runs in a state
	// that does not allow it.
	ErrInvalidState = errors.New("swcache: invalid lifecycle state")
	// ErrNoWorker means the registration has no worker in the addressed slot.
	ErrNoWorker = errors.New("swcache: no worker")
)

// Request is the part of an intercepted request the worker looks at.
type Request struct {
	Method string
	URL    string
	// Destination mirrors Sec-Fetch-Dest ("document", "image", "font", ...).
	Destination string
	Header      http.Header
}

// GET builds a plain GET request for url.
func GET(url string) Request {
	return Request{Method: http.MethodGet, URL: url, Header: make(http.Header)}
}

// Key is the identity a generation stores the request under.
func (r Request) Key() string {
	return r.Method + " " + r.URL
}

// Response is a fully read response snapshot.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone returns a copy that shares no memory with r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{Status: r.Status, Header: cloneHeader(r.Header), Body: body}
}

// Fetcher is the network.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
