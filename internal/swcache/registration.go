package swcache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Target selects which worker of a registration receives a message.
type Target string

const (
	TargetActive     Target = "active"
	TargetWaiting    Target = "waiting"
	TargetInstalling Target = "installing"
)

// Registration plays the platform's part: it installs workers, decides when
// they activate, retires superseded ones and routes fetches to the worker
// that claimed the clients.
type Registration struct {
	log *zap.Logger

	mu         sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker
	listeners  []func(StateChange)

	// activateMu keeps one activation at a time.
	activateMu sync.Mutex
}

func NewRegistration(log *zap.Logger) *Registration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registration{log: log}
}

// OnUpdate subscribes fn to state changes of every worker registered from
// now on.
func (r *Registration) OnUpdate(fn func(StateChange)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registration) notify(c StateChange) {
	r.mu.Lock()
	ls := slices.Clone(r.listeners)
	r.mu.Unlock()
	for _, fn := range ls {
		fn(c)
	}
}

func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) Installing() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Register installs w. It activates right away when nothing is active yet or
// w asked to skip waiting; otherwise w waits, replacing any older waiting
// worker. An install error leaves the current workers untouched; calling
// Register again with a fresh worker is the retry.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	if r.installing != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: another worker is installing", ErrInvalidState)
	}
	r.installing = w
	r.mu.Unlock()

	w.setHooks(hooks{
		changed:     r.notify,
		installed:   r.park,
		skipWaiting: r.activate,
		claim:       r.claim,
	})

	err := w.OnInstall(ctx)

	r.mu.Lock()
	r.installing = nil
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("install worker %s: %w", w.ID(), err)
	}

	// a listener reacting to the installed state may have activated it already
	if w.State() != StateInstalled {
		return nil
	}
	r.mu.Lock()
	activateNow := r.active == nil || w.SkipWaitingRequested()
	r.mu.Unlock()
	if !activateNow {
		r.log.Info("worker waiting", zap.String("worker_id", w.ID()), zap.String("version", w.Version()))
		return nil
	}
	return r.activate(ctx, w)
}

// park publishes w as the waiting worker before its installed state is
// announced, retiring any older waiting worker.
func (r *Registration) park(w *Worker) {
	r.mu.Lock()
	prev := r.waiting
	r.waiting = w
	r.mu.Unlock()

	if prev != nil && prev != w {
		prev.markRedundant()
	}
}

// SkipWaiting activates the waiting worker, if any.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	w := r.Waiting()
	if w == nil {
		return nil
	}
	return w.OnMessage(ctx, Message{Type: MessageSkipWaiting}, nil)
}

func (r *Registration) activate(ctx context.Context, w *Worker) error {
	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	// lost a race with another activation of w
	if w.State() != StateInstalled {
		return nil
	}

	r.mu.Lock()
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()

	if err := w.OnActivate(ctx); err != nil {
		return fmt.Errorf("activate worker %s: %w", w.ID(), err)
	}
	return nil
}

// claim routes subsequent fetches to w and retires the previous controller.
func (r *Registration) claim(w *Worker) {
	r.mu.Lock()
	prev := r.active
	r.active = w
	r.mu.Unlock()

	if prev != nil && prev != w {
		prev.markRedundant()
	}
	r.log.Info("worker claimed clients", zap.String("worker_id", w.ID()), zap.String("version", w.Version()))
}

// Fetch routes req to the active worker.
func (r *Registration) Fetch(ctx context.Context, req Request) (*Response, Outcome, error) {
	w := r.Active()
	if w == nil {
		return nil, OutcomeBypass, fmt.Errorf("%w: nothing active", ErrNoWorker)
	}
	return w.OnFetch(ctx, req)
}

// PostMessage delivers msg to the worker selected by target.
func (r *Registration) PostMessage(ctx context.Context, target Target, msg Message, port ReplyPort) error {
	var w *Worker
	switch target {
	case TargetActive, "":
		w = r.Active()
	case TargetWaiting:
		w = r.Waiting()
	case TargetInstalling:
		w = r.Installing()
	default:
		return fmt.Errorf("unknown target %q", target)
	}
	if w == nil {
		return fmt.Errorf("%w: no %s worker", ErrNoWorker, target)
	}
	return w.OnMessage(ctx, msg, port)
}
