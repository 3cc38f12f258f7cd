package swcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errNetworkDown = errors.New("network down")

type fakeRoute struct {
	status int
	body   string
	err    error
}

// fakeNet is a call-counting Fetcher. Unknown URLs fail like an offline
// network.
type fakeNet struct {
	mu     sync.Mutex
	routes map[string]fakeRoute
	calls  map[string]int
}

func newFakeNet() *fakeNet {
	return &fakeNet{routes: map[string]fakeRoute{}, calls: map[string]int{}}
}

func (f *fakeNet) respond(url string, status int, body string) *fakeNet {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[url] = fakeRoute{status: status, body: body}
	return f
}

func (f *fakeNet) fail(url string, err error) *fakeNet {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[url] = fakeRoute{err: err}
	return f
}

func (f *fakeNet) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeNet) Fetch(_ context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	r, ok := f.routes[req.URL]
	if !ok {
		return nil, errNetworkDown
	}
	if r.err != nil {
		return nil, r.err
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &Response{Status: r.status, Header: h, Body: []byte(r.body)}, nil
}

// eachBackend runs fn against every Backend implementation.
func eachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newMemoryBackend(0))
	})
	t.Run("leveldb", func(t *testing.T) {
		b, err := newLevelDBBackend(t.TempDir(), 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		fn(t, b)
	})
}

func testWorker(version string, manifest []string, b Backend, f Fetcher) *Worker {
	return NewWorker(WorkerOptions{
		Version:  version,
		Manifest: manifest,
		Classify: ClassifyConfig{
			FontHosts:  []string{"fonts.gstatic.com"},
			APIMarkers: []string{"/api/"},
		},
		Backend: b,
		Fetcher: f,
	})
}

func htmlGET(url string) Request {
	req := GET(url)
	req.Destination = "document"
	return req
}
