package swcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testOrigin struct {
	*httptest.Server

	mu    sync.Mutex
	hits  map[string]int
	cssOK atomic.Bool
}

func newTestOrigin(t *testing.T) *testOrigin {
	o := &testOrigin{hits: map[string]int{}}
	o.cssOK.Store(true)
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.Method+" "+r.URL.Path]++
		o.mu.Unlock()

		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>home</html>")
		case "/app.css":
			if !o.cssOK.Load() {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "body{}")
		case "/images/a.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = io.WriteString(w, "png")
		case "/api/data":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"v":1}`)
		case "/api/contact":
			b, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			_, _ = fmt.Fprintf(w, "%s %s", r.Method, b)
		default:
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = io.WriteString(w, "js")
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) Hits(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

func newTestService(t *testing.T, origin string) *Service {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
server:
  origin: %s
cache:
  version: critical-lcp-v5
precache:
  - /
  - /app.css
`, origin)))
	require.NoError(t, err)

	svc, err := NewService(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func serve(svc *Service, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServiceStrategies(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL)
	require.NoError(t, svc.Start(context.Background()))

	rec := serve(svc, httptest.NewRequest(http.MethodGet, "/app.css", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hit", rec.Header().Get(headerOutcome))
	require.Equal(t, "body{}", rec.Body.String())
	require.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	require.Equal(t, 1, origin.Hits("GET /app.css"), "served from the primed generation")

	rec = serve(svc, httptest.NewRequest(http.MethodGet, "/images/a.png", nil))
	require.Equal(t, "miss", rec.Header().Get(headerOutcome))
	rec = serve(svc, httptest.NewRequest(http.MethodGet, "/images/a.png", nil))
	require.Equal(t, "hit", rec.Header().Get(headerOutcome))
	require.Equal(t, 1, origin.Hits("GET /images/a.png"))

	rec = serve(svc, httptest.NewRequest(http.MethodGet, "/api/data", nil))
	require.Equal(t, "network", rec.Header().Get(headerOutcome))
	require.Equal(t, `{"v":1}`, rec.Body.String())
	require.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), headerOutcome)

	rec = serve(svc, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bypass", rec.Header().Get(headerOutcome))
	require.Equal(t, "js", rec.Body.String())
}

func TestServicePassesThroughWrites(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL)
	require.NoError(t, svc.Start(context.Background()))

	req := httptest.NewRequest(http.MethodPost, "/api/contact", strings.NewReader("name=ada"))
	rec := serve(svc, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "POST name=ada", rec.Body.String())
	require.Equal(t, "bypass", rec.Header().Get(headerOutcome))

	n, err := svc.Registration().Active().Store().CriticalCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestServiceOfflineFallback(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL)
	require.NoError(t, svc.Start(context.Background()))

	rec := serve(svc, httptest.NewRequest(http.MethodGet, "/api/data", nil))
	require.Equal(t, "network", rec.Header().Get(headerOutcome))

	origin.Close()

	rec = serve(svc, httptest.NewRequest(http.MethodGet, "/api/data", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fallback", rec.Header().Get(headerOutcome))
	require.Equal(t, `{"v":1}`, rec.Body.String())

	rec = serve(svc, httptest.NewRequest(http.MethodGet, "/app.css", nil))
	require.Equal(t, "hit", rec.Header().Get(headerOutcome))

	// nothing cached and nothing reachable
	rec = serve(svc, httptest.NewRequest(http.MethodGet, "/api/other", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "error", rec.Header().Get(headerOutcome))
}

func TestServiceControlMessages(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL)
	require.NoError(t, svc.Start(context.Background()))

	path := svc.cfg.Control.Path
	rec := serve(svc, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"type":"GET_CACHE_STATUS"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"type":"CACHE_STATUS","criticalResourcesCached":2,"cacheVersion":"critical-lcp-v5"}`, rec.Body.String())

	rec = serve(svc, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"type":"SKIP_WAITING"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(svc, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"type":"PURGE"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(svc, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`not json`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(svc, httptest.NewRequest(http.MethodPost, path+"?target=waiting", strings.NewReader(`{"type":"GET_CACHE_STATUS"}`)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(svc, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestServiceMetricsEndpoint(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL)
	require.NoError(t, svc.Start(context.Background()))
	serve(svc, httptest.NewRequest(http.MethodGet, "/images/a.png", nil))

	rec := serve(svc, httptest.NewRequest(http.MethodGet, svc.cfg.Metrics.Path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `swcache_fetch_requests_total{category="image",outcome="miss",strategy="cache-first"} 1`)
	require.Contains(t, body, `swcache_lifecycle_transitions_total{state="activated"} 1`)
	require.Contains(t, body, `swcache_cache_writes_total{generation_purpose="critical",result="stored"} 2`)
}

func TestServiceRetriesFailedInstallOnNavigation(t *testing.T) {
	origin := newTestOrigin(t)
	origin.cssOK.Store(false)
	svc := newTestService(t, origin.URL)

	var perr *PrimeError
	require.ErrorAs(t, svc.Start(context.Background()), &perr)
	require.Nil(t, svc.Registration().Active())

	// without a worker everything passes through
	rec := serve(svc, httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bypass", rec.Header().Get(headerOutcome))

	rec = serve(svc, httptest.NewRequest(http.MethodPost, svc.cfg.Control.Path, strings.NewReader(`{"type":"GET_CACHE_STATUS"}`)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	origin.cssOK.Store(true)
	nav := httptest.NewRequest(http.MethodGet, "/pricing", nil)
	nav.Header.Set("Sec-Fetch-Dest", "document")
	rec = serve(svc, nav)
	require.Equal(t, "bypass", rec.Header().Get(headerOutcome))

	require.Eventually(t, func() bool {
		w := svc.Registration().Active()
		return w != nil && w.State() == StateActivated
	}, 5*time.Second, 10*time.Millisecond)

	rec = serve(svc, httptest.NewRequest(http.MethodGet, "/app.css", nil))
	require.Equal(t, "hit", rec.Header().Get(headerOutcome))
}
