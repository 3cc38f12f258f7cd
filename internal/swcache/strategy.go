package swcache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Outcome records how a response was produced.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"
	OutcomeNetwork  Outcome = "network"
	OutcomeFallback Outcome = "fallback"
	OutcomeBypass   Outcome = "bypass"
	OutcomeError    Outcome = "error"
)

const (
	StrategyCacheFirst   = "cache-first"
	StrategyNetworkFirst = "network-first"
)

// Engine resolves classified requests against the store and the network.
// Every call is independent; concurrent calls share only the backend.
type Engine struct {
	classifier *Classifier
	store      *Manager
	fetcher    Fetcher
	log        *zap.Logger
	metrics    *Recorder
	writeLog   *rateLimitedLogger

	// writable, when set, must report true for fill to write.
	writable func() bool
}

func NewEngine(classifier *Classifier, store *Manager, fetcher Fetcher, log *zap.Logger, metrics *Recorder) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		classifier: classifier,
		store:      store,
		fetcher:    fetcher,
		log:        log,
		metrics:    metrics,
		writeLog:   newRateLimitedLogger(log, time.Minute),
	}
}

// Handle classifies req once and runs the matching strategy. Unclassified
// requests return ErrNotHandled.
func (e *Engine) Handle(ctx context.Context, req Request) (*Response, Outcome, error) {
	cat := e.classifier.Classify(req)
	start := time.Now()

	var (
		resp     *Response
		outcome  Outcome
		err      error
		strategy string
	)
	switch cat {
	case CategoryCritical:
		strategy = StrategyCacheFirst
		resp, outcome, err = e.cacheFirst(ctx, req, e.store.Generation(PurposeCritical))
	case CategoryImage, CategoryFont:
		strategy = StrategyCacheFirst
		resp, outcome, err = e.cacheFirst(ctx, req, e.store.Generation(PurposeRuntime))
	case CategoryAPI, CategoryHTML:
		strategy = StrategyNetworkFirst
		resp, outcome, err = e.networkFirst(ctx, req, e.store.Generation(PurposeRuntime))
	default:
		return nil, OutcomeBypass, ErrNotHandled
	}
	if err != nil {
		outcome = OutcomeError
	}
	e.metrics.ObserveFetch(cat, strategy, outcome, time.Since(start))
	return resp, outcome, err
}

// cacheFirst serves a hit without touching the network. A miss goes to the
// network once and a 2xx result is stored in gen before it is returned.
func (e *Engine) cacheFirst(ctx context.Context, req Request, gen *Generation) (*Response, Outcome, error) {
	if cached, ok := e.lookup(ctx, gen, req); ok {
		return cached, OutcomeHit, nil
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, OutcomeError, err
	}
	e.fill(ctx, gen, req, resp)
	return resp, OutcomeMiss, nil
}

// networkFirst tries the network once, storing a 2xx result in gen. Only a
// failed fetch falls back to the cache; error statuses are returned as-is.
func (e *Engine) networkFirst(ctx context.Context, req Request, gen *Generation) (*Response, Outcome, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		e.fill(ctx, gen, req, resp)
		return resp, OutcomeNetwork, nil
	}

	if cached, ok := e.lookup(ctx, gen, req); ok {
		e.log.Debug("network failed, serving cached copy",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return cached, OutcomeFallback, nil
	}
	return nil, OutcomeError, err
}

func (e *Engine) lookup(ctx context.Context, gen *Generation, req Request) (*Response, bool) {
	resp, ok, err := e.store.Lookup(ctx, gen, req)
	if err != nil {
		// a broken read is a miss for the caller
		e.log.Warn("cache lookup failed",
			zap.String("generation", gen.Name),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return nil, false
	}
	return resp, ok
}

// fill writes a copy of resp. Failures are logged and never reach the caller.
func (e *Engine) fill(ctx context.Context, gen *Generation, req Request, resp *Response) {
	if e.writable != nil && !e.writable() {
		// a retired worker must not recreate its evicted generations
		e.log.Debug("skipping cache write of retired worker", zap.String("url", req.URL))
		return
	}
	err := e.store.Put(ctx, gen, req, resp)
	switch {
	case err == nil, errors.Is(err, ErrNotCacheable):
	case errors.Is(err, ErrQuotaExceeded):
		e.writeLog.Warn("cache quota exceeded, response not stored",
			zap.String("generation", gen.Name),
			zap.String("url", req.URL),
		)
	default:
		e.log.Warn("cache write failed",
			zap.String("generation", gen.Name),
			zap.String("url", req.URL),
			zap.Error(err),
		)
	}
}
