package swcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	// StateInstalled is the waiting state.
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// StateChange is published to registration listeners on every transition.
type StateChange struct {
	WorkerID string
	Version  string
	From     State
	To       State
}

type WorkerOptions struct {
	Version  string
	Manifest []string
	Classify ClassifyConfig
	// SkipWaiting activates the worker as soon as it is installed.
	SkipWaiting bool

	Backend Backend
	Fetcher Fetcher
	Logger  *zap.Logger
	Metrics *Recorder
}

// hooks connect a worker to the registration that drives it.
type hooks struct {
	changed     func(StateChange)
	installed   func(w *Worker)
	skipWaiting func(ctx context.Context, w *Worker) error
	claim       func(w *Worker)
}

// Worker is one version of the caching worker. Its lifecycle methods are the
// handlers a host calls directly; Registration is the host used in production.
type Worker struct {
	id       string
	manifest []string
	store    *Manager
	engine   *Engine
	fetcher  Fetcher
	log      *zap.Logger
	metrics  *Recorder

	mu          sync.Mutex
	state       State
	skipWaiting bool
	hooks       hooks
}

func NewWorker(opts WorkerOptions) *Worker {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	log = log.With(zap.String("worker_id", id), zap.String("version", opts.Version))

	store := NewManager(opts.Version, opts.Backend, log, opts.Metrics)
	classifier := NewClassifier(opts.Manifest, opts.Classify)

	w := &Worker{
		id:          id,
		manifest:    append([]string(nil), opts.Manifest...),
		store:       store,
		engine:      NewEngine(classifier, store, opts.Fetcher, log, opts.Metrics),
		fetcher:     opts.Fetcher,
		log:         log,
		metrics:     opts.Metrics,
		state:       StateParsed,
		skipWaiting: opts.SkipWaiting,
	}
	w.engine.writable = w.serving
	return w
}

// serving reports whether the worker still owns its generations.
func (w *Worker) serving() bool {
	switch w.State() {
	case StateActivating, StateActivated:
		return true
	}
	return false
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Version() string { return w.store.Tag() }

func (w *Worker) Store() *Manager { return w.store }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SkipWaitingRequested reports whether the worker should bypass the waiting
// state.
func (w *Worker) SkipWaitingRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

func (w *Worker) setHooks(h hooks) {
	w.mu.Lock()
	w.hooks = h
	w.mu.Unlock()
}

// transition moves from one of the allowed states to next.
func (w *Worker) transition(next State, from ...State) error {
	w.mu.Lock()
	cur := w.state
	allowed := false
	for _, s := range from {
		if cur == s {
			allowed = true
			break
		}
	}
	if !allowed {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, cur, next)
	}
	w.state = next
	changed := w.hooks.changed
	w.mu.Unlock()

	w.log.Info("worker state changed", zap.String("from", string(cur)), zap.String("to", string(next)))
	w.metrics.ObserveTransition(next)
	if changed != nil {
		changed(StateChange{WorkerID: w.id, Version: w.Version(), From: cur, To: next})
	}
	return nil
}

// OnInstall opens the critical generation and primes it from the manifest.
// A failed prime leaves the worker redundant; installing again needs a new
// worker.
func (w *Worker) OnInstall(ctx context.Context) error {
	if err := w.transition(StateInstalling, StateParsed); err != nil {
		return err
	}

	err := w.install(ctx)
	if err != nil {
		w.log.Error("install failed", zap.Error(err))
		_ = w.transition(StateRedundant, StateInstalling)
		return err
	}

	w.mu.Lock()
	installed := w.hooks.installed
	w.mu.Unlock()
	if installed != nil {
		installed(w)
	}
	return w.transition(StateInstalled, StateInstalling)
}

func (w *Worker) install(ctx context.Context) error {
	gen, err := w.store.Open(ctx, PurposeCritical)
	if err != nil {
		return err
	}
	if err := w.store.Prime(ctx, gen, w.fetcher, w.manifest); err != nil {
		return err
	}
	w.log.Info("critical resources cached", zap.Int("count", len(w.manifest)))
	return nil
}

// OnActivate evicts stale generations and claims the registration's clients.
// Eviction errors are logged; activation still completes.
func (w *Worker) OnActivate(ctx context.Context) error {
	if err := w.transition(StateActivating, StateInstalled); err != nil {
		return err
	}

	w.evict(ctx)

	w.mu.Lock()
	claim := w.hooks.claim
	w.mu.Unlock()
	if claim != nil {
		claim(w)
		// the retired worker may have refilled its runtime generation
		// between the first sweep and the claim
		w.evict(ctx)
	}
	return w.transition(StateActivated, StateActivating)
}

func (w *Worker) evict(ctx context.Context) {
	deleted, err := w.store.EvictStale(ctx)
	if err != nil {
		w.log.Warn("evict stale generations", zap.Error(err))
	}
	if len(deleted) > 0 {
		w.log.Info("stale generations evicted", zap.Strings("generations", deleted))
	}
}

// OnFetch resolves an intercepted request. ErrNotHandled asks the caller to
// use default network handling.
func (w *Worker) OnFetch(ctx context.Context, req Request) (*Response, Outcome, error) {
	if !w.serving() {
		return nil, OutcomeBypass, fmt.Errorf("%w: fetch in %s", ErrInvalidState, w.State())
	}
	return w.engine.Handle(ctx, req)
}

// OnMessage handles a control message. GET_CACHE_STATUS replies on port
// when one is given.
func (w *Worker) OnMessage(ctx context.Context, msg Message, port ReplyPort) error {
	st := w.State()
	if st == StateRedundant {
		return fmt.Errorf("%w: message to redundant worker", ErrInvalidState)
	}
	if knownMessage(msg.Type) {
		w.metrics.ObserveMessage(msg.Type)
	} else {
		w.metrics.ObserveMessage("unknown")
	}

	switch msg.Type {
	case MessageSkipWaiting:
		w.mu.Lock()
		w.skipWaiting = true
		skip := w.hooks.skipWaiting
		w.mu.Unlock()
		if st == StateInstalled && skip != nil {
			return skip(ctx, w)
		}
		return nil

	case MessageGetCacheStatus:
		status, err := w.CacheStatus(ctx)
		if err != nil {
			return err
		}
		if port == nil {
			return nil
		}
		return port.PostMessage(status)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// CacheStatus reports zero entries until the critical generation exists.
func (w *Worker) CacheStatus(ctx context.Context) (CacheStatus, error) {
	n, err := w.store.CriticalCount(ctx)
	if err != nil {
		return CacheStatus{}, fmt.Errorf("cache status: %w", err)
	}
	return CacheStatus{
		Type:                    MessageCacheStatus,
		CriticalResourcesCached: n,
		CacheVersion:            w.store.Tag(),
	}, nil
}

// markRedundant retires a worker that has been superseded.
func (w *Worker) markRedundant() {
	_ = w.transition(StateRedundant, StateInstalled, StateActivating, StateActivated)
}
