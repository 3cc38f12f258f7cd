package swcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	headerOutcome     = "X-Swcache"
	maxControlPayload = 64 << 10
)

// Service is the HTTP front: every request that reaches it is a fetch event
// for the registration's active worker.
type Service struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client
	fetcher    Fetcher
	backend    Backend
	reg        *Registration
	metrics    *Recorder

	// installSem allows a single background reinstall at a time.
	installSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	s := &Service{
		cfg:        cfg,
		log:        log,
		httpClient: httpClient,
		fetcher:    NewOriginFetcher(cfg.Server.Origin, httpClient),
		backend:    backend,
		reg:        NewRegistration(log),
		metrics:    NewRecorder(nil),
		installSem: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		stats:      newStatsCollector(),
	}

	s.reg.OnUpdate(func(c StateChange) {
		if c.To == StateInstalled {
			log.Info("update ready", zap.String("worker_id", c.WorkerID), zap.String("version", c.Version))
		}
	})

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	return s, nil
}

// Start installs a worker built from the configuration. An install failure
// is returned but leaves the service usable: requests pass through to the
// origin and the next navigation triggers another install.
func (s *Service) Start(ctx context.Context) error {
	return s.reg.Register(ctx, s.newWorker())
}

func (s *Service) newWorker() *Worker {
	return NewWorker(WorkerOptions{
		Version:     s.cfg.Cache.Version,
		Manifest:    s.cfg.Precache,
		Classify:    s.cfg.Classify,
		SkipWaiting: s.cfg.Lifecycle.SkipWaiting,
		Backend:     s.backend,
		Fetcher:     s.fetcher,
		Logger:      s.log,
		Metrics:     s.metrics,
	})
}

func (s *Service) Registration() *Registration { return s.reg }

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.backend.Close(); err != nil {
		s.log.Warn("close cache backend", zap.Error(err))
	}
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case s.cfg.Control.Path:
		s.handleControl(w, r)
		return
	case s.cfg.Metrics.Path:
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodGet {
		s.proxyPass(w, r)
		return
	}

	req := requestFromHTTP(r)
	resp, outcome, err := s.reg.Fetch(r.Context(), req)
	switch {
	case err == nil:
		s.writeResponseWithStats(w, resp, outcome)
	case errors.Is(err, ErrNoWorker):
		if isNavigation(req) {
			s.reinstallAsync()
		}
		s.proxyPass(w, r)
	case errors.Is(err, ErrNotHandled), errors.Is(err, ErrInvalidState):
		s.proxyPass(w, r)
	default:
		s.log.Debug("fetch failed", zap.String("url", req.URL), zap.Error(err))
		setOutcomeHeaders(w.Header(), OutcomeError)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

func requestFromHTTP(r *http.Request) Request {
	return Request{
		Method:      r.Method,
		URL:         r.URL.RequestURI(),
		Destination: r.Header.Get("Sec-Fetch-Dest"),
		Header:      cloneHeader(r.Header),
	}
}

func isNavigation(req Request) bool {
	if req.Destination == "document" {
		return true
	}
	return strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/html")
}

// reinstallAsync retries a failed install in the background, at most one at
// a time.
func (s *Service) reinstallAsync() {
	if s.reg.Installing() != nil {
		return
	}
	select {
	case s.installSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.installSem }()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := s.Start(ctx); err != nil {
			s.log.Warn("reinstall failed", zap.Error(err))
		}
	}()
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxControlPayload))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	msg, err := DecodeMessage(b)
	if err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}

	port := make(ChanPort, 1)
	target := Target(r.URL.Query().Get("target"))
	err = s.reg.PostMessage(r.Context(), target, msg, port)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrNoWorker):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		s.log.Warn("control message failed", zap.String("type", string(msg.Type)), zap.Error(err))
		http.Error(w, "control message failed", http.StatusInternalServerError)
		return
	}

	select {
	case reply := <-port:
		out, err := EncodeReply(reply)
		if err != nil {
			http.Error(w, "encode reply", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(out)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// proxyPass forwards the request untouched: no classification, no caching.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.cfg.Server.Origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		setOutcomeHeaders(w.Header(), OutcomeError)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		setOutcomeHeaders(w.Header(), OutcomeError)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), OutcomeBypass)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (s *Service) writeResponseWithStats(w http.ResponseWriter, resp *Response, outcome Outcome) {
	writeResponse(w, resp, outcome)
	s.stats.Observe(outcome, len(resp.Body))
}

func writeResponse(w http.ResponseWriter, resp *Response, outcome Outcome) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerOutcome) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOutcomeHeaders(h http.Header, outcome Outcome) {
	if outcome != "" {
		h.Set(headerOutcome, string(outcome))
	}
	// custom headers are invisible to cross-origin JS unless exposed
	ensureExposedHeader(h, headerOutcome)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := []zap.Field{
		zap.Uint64("hits", ss.Hits),
		zap.Uint64("misses", ss.Misses),
		zap.Uint64("network", ss.Network),
		zap.Uint64("fallbacks", ss.Fallbacks),
		zap.String("store_size", formatBytes(uint64(s.backend.TotalSize()))),
		zap.String("resp_min", formatBytes(ss.MinRespBytes)),
		zap.String("resp_avg", formatBytes(ss.AvgRespBytes)),
		zap.String("resp_max", formatBytes(ss.MaxRespBytes)),
	}
	if w := s.reg.Active(); w != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n, err := w.Store().CriticalCount(ctx)
		cancel()
		if err == nil {
			fields = append(fields, zap.String("version", w.Version()), zap.Int("critical_cached", n))
		}
	}
	s.log.Info("cache stats", fields...)
}
