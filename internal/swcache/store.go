package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Purpose is the suffix that tells generations of one version apart.
type Purpose string

const (
	PurposeCritical Purpose = "critical"
	PurposeRuntime  Purpose = "runtime"
)

// GenerationName derives the store name for a version tag and purpose.
func GenerationName(tag string, p Purpose) string {
	return tag + "-" + string(p)
}

// parseGeneration splits a store name into tag and purpose. Names that do not
// end in a known purpose report ok=false.
func parseGeneration(name string) (tag string, p Purpose, ok bool) {
	for _, cand := range []Purpose{PurposeCritical, PurposeRuntime} {
		suffix := "-" + string(cand)
		if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return strings.TrimSuffix(name, suffix), cand, true
		}
	}
	return "", "", false
}

// Generation is a handle to an opened store.
type Generation struct {
	Name    string
	Purpose Purpose
}

// PrimeError reports every manifest URL that could not be fetched.
type PrimeError struct {
	Generation string
	Failed     map[string]error
}

func (e *PrimeError) Error() string {
	urls := make([]string, 0, len(e.Failed))
	for u := range e.Failed {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return fmt.Sprintf("prime %s: %d resource(s) failed: %s", e.Generation, len(e.Failed), strings.Join(urls, ", "))
}

// Manager owns the critical and runtime generations of one version tag.
type Manager struct {
	tag     string
	backend Backend
	log     *zap.Logger
	metrics *Recorder

	// primeConcurrency bounds parallel fetches during Prime.
	primeConcurrency int
}

func NewManager(tag string, backend Backend, log *zap.Logger, metrics *Recorder) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		tag:              tag,
		backend:          backend,
		log:              log,
		metrics:          metrics,
		primeConcurrency: 8,
	}
}

func (m *Manager) Tag() string { return m.tag }

func (m *Manager) Backend() Backend { return m.backend }

// Open creates the generation for purpose under the current tag if needed.
func (m *Manager) Open(ctx context.Context, p Purpose) (*Generation, error) {
	name := GenerationName(m.tag, p)
	if err := m.backend.Create(ctx, name); err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &Generation{Name: name, Purpose: p}, nil
}

// Generation returns the handle for purpose without creating the store; it
// is created by the first Put.
func (m *Manager) Generation(p Purpose) *Generation {
	return &Generation{Name: GenerationName(m.tag, p), Purpose: p}
}

// Prime fetches every url and stores the results in gen. Either all of them
// are stored or none are: any failed fetch or non-2xx status fails the whole
// call with a *PrimeError before anything is written.
func (m *Manager) Prime(ctx context.Context, gen *Generation, fetcher Fetcher, urls []string) error {
	type fetched struct {
		req  Request
		resp *Response
	}
	results := make([]fetched, len(urls))
	failed := make([]error, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.primeConcurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			req := GET(u)
			resp, err := fetcher.Fetch(gctx, req)
			switch {
			case err != nil:
				failed[i] = err
			case resp == nil:
				failed[i] = errors.New("no response")
			case !resp.OK():
				failed[i] = fmt.Errorf("unexpected status %d", resp.Status)
			default:
				results[i] = fetched{req: req, resp: resp}
			}
			// keep going so every failure is reported
			return nil
		})
	}
	_ = g.Wait()

	perr := &PrimeError{Generation: gen.Name, Failed: map[string]error{}}
	for i, err := range failed {
		if err != nil {
			perr.Failed[urls[i]] = err
		}
	}
	if len(perr.Failed) > 0 {
		return perr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("prime %s: %w", gen.Name, err)
	}

	for _, f := range results {
		if err := m.backend.Put(ctx, gen.Name, f.req.Key(), entryFromResponse(f.resp)); err != nil {
			m.metrics.ObserveCacheWrite(gen.Purpose, err)
			// drop what was already written so no partial set survives
			if _, derr := m.backend.Delete(ctx, gen.Name); derr != nil {
				m.log.Warn("drop partially primed generation", zap.String("generation", gen.Name), zap.Error(derr))
			}
			return fmt.Errorf("prime %s: store %s: %w", gen.Name, f.req.URL, err)
		}
		m.metrics.ObserveCacheWrite(gen.Purpose, nil)
	}
	return nil
}

// Lookup returns a copy of the stored response for req.
func (m *Manager) Lookup(ctx context.Context, gen *Generation, req Request) (*Response, bool, error) {
	if req.Method != http.MethodGet {
		return nil, false, nil
	}
	ent, ok, err := m.backend.Get(ctx, gen.Name, req.Key())
	if err != nil || !ok {
		return nil, false, err
	}
	return ent.Response(), true, nil
}

// Put stores a clone of resp for req. Only GET requests with 2xx responses
// are stored.
func (m *Manager) Put(ctx context.Context, gen *Generation, req Request, resp *Response) error {
	if req.Method != http.MethodGet || !resp.OK() {
		return ErrNotCacheable
	}
	err := m.backend.Put(ctx, gen.Name, req.Key(), entryFromResponse(resp))
	m.metrics.ObserveCacheWrite(gen.Purpose, err)
	return err
}

// EvictStale deletes every generation whose tag differs from the current
// one and returns the deleted names.
func (m *Manager) EvictStale(ctx context.Context) ([]string, error) {
	names, err := m.backend.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	var deleted []string
	var errs []error
	for _, name := range names {
		if tag, _, ok := parseGeneration(name); ok && tag == m.tag {
			continue
		}
		existed, err := m.backend.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		if existed {
			deleted = append(deleted, name)
			m.log.Info("evicted stale generation", zap.String("generation", name))
		}
	}
	m.metrics.ObserveEvictions(len(deleted))
	return deleted, errors.Join(errs...)
}

// CriticalCount reports how many entries the current critical generation
// holds, without creating it.
func (m *Manager) CriticalCount(ctx context.Context) (int, error) {
	name := GenerationName(m.tag, PurposeCritical)
	ok, err := m.backend.Has(ctx, name)
	if err != nil || !ok {
		return 0, err
	}
	keys, err := m.backend.Keys(ctx, name)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
