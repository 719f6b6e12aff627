// Package boundary fetches administrative boundary geometry from an
// Overpass API endpoint.
//
// The endpoint allows only a few simultaneous requests across all of its
// clients, so every request holds a gate slot for exactly as long as the
// HTTP exchange takes. Throttled requests back off and queue again at the
// gate; a boundary that cannot be fetched is reported and skipped.
package boundary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/notesync/internal/gate"
	"github.com/ajitpratap0/notesync/pkg/clients"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/json"
	"github.com/ajitpratap0/notesync/pkg/metrics"
	"github.com/ajitpratap0/notesync/pkg/observability"
	"github.com/ajitpratap0/notesync/pkg/retry"
)

// Store persists fetched boundaries. *store.Store implements it.
type Store interface {
	BoundaryIDs(ctx context.Context) ([]int64, error)
	SaveBoundary(ctx context.Context, id int64, geometry []byte, fetchedAt time.Time) error
}

// Boundary is one fetched geometry payload.
type Boundary struct {
	ID        int64
	Payload   []byte
	Elements  int
	FetchedAt time.Time
	Attempts  int
}

// Failure records a boundary that was skipped.
type Failure struct {
	ID       int64  `json:"id"`
	Attempts int    `json:"attempts"`
	Class    string `json:"class"`
	Error    string `json:"error"`
}

// Report is the outcome of a batch.
type Report struct {
	Requested int       `json:"requested"`
	Resolved  []int64   `json:"resolved,omitempty"`
	Failed    []Failure `json:"failed,omitempty"`
}

// HasWarnings reports whether any boundary was skipped.
func (r *Report) HasWarnings() bool { return r != nil && len(r.Failed) > 0 }

// Fetcher resolves boundaries through a gate.
type Fetcher struct {
	client      *http.Client
	gate        gate.Gate
	store       Store
	cfg         config.BoundariesConfig
	policy      retry.Policy
	timeout     time.Duration
	maxDelay    time.Duration
	concurrency int
	now         func() time.Time
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithStore persists every resolved boundary.
func WithStore(s Store) Option {
	return func(f *Fetcher) { f.store = s }
}

// WithRetry sets the backoff policy. MaxAttempts is taken from the
// boundaries configuration.
func WithRetry(p retry.Policy) Option {
	return func(f *Fetcher) { f.policy = p }
}

// WithRequestTimeout bounds one HTTP exchange.
func WithRequestTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithMetrics counts request outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a fetcher for cfg.Endpoint.
func NewFetcher(cfg config.BoundariesConfig, g gate.Gate, opts ...Option) *Fetcher {
	f := &Fetcher{
		gate:        g,
		cfg:         cfg,
		policy:      retry.Default(),
		timeout:     30 * time.Second,
		maxDelay:    time.Minute,
		concurrency: cfg.Concurrency,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = clients.NewHTTPClient(clients.DefaultHTTPConfig(), f.logger)
	}
	if f.concurrency < 1 {
		f.concurrency = 1
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	f.policy = f.policy.WithMaxAttempts(attempts)
	f.logger = f.logger.With(zap.String("component", "boundary_fetcher"))
	return f
}

// Query is the Overpass QL request for one boundary relation with all of
// its members.
func Query(id int64) string {
	return fmt.Sprintf("[out:json][timeout:180];rel(%d);(._;>;);out;", id)
}

// Fetch resolves one boundary, retrying throttled and transient failures.
func (f *Fetcher) Fetch(ctx context.Context, id int64) (*Boundary, error) {
	ctx, span := observability.StartSpan(ctx, "boundary.fetch", attribute.Int64("boundary_id", id))
	var (
		b        *Boundary
		attempts int
	)
	policy := f.policy.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		f.logger.Info("boundary request will be retried",
			zap.Int64("boundary_id", id),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		body, err := f.attempt(ctx, id)
		if err == nil {
			b, err = decode(id, body)
		}
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeRateLimit) {
				f.metrics.ObserveBoundary("throttled")
			}
			return err
		}
		b.FetchedAt = f.now()
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Wrap(err, errors.ErrorTypeInterrupted, "boundary fetch interrupted")
		} else {
			err = errors.Wrap(err, errors.ErrorTypeFetch, fmt.Sprintf("boundary %d unresolved", id)).
				WithDetail("boundary_id", id).
				WithDetail("attempts", attempts)
		}
		f.metrics.ObserveBoundary("failed")
		observability.EndSpan(span, err)
		return nil, err
	}
	b.Attempts = attempts
	f.metrics.ObserveBoundary("ok")
	observability.EndSpan(span, nil)
	return b, nil
}

// attempt runs one gated exchange and returns the full response body. The
// slot is released as soon as the body has been read.
func (f *Fetcher) attempt(ctx context.Context, id int64) ([]byte, error) {
	if f.cfg.PreCheck {
		f.waitForSlot(ctx)
	}
	slot, err := f.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	return f.post(ctx, Query(id))
}

func (f *Fetcher) post(ctx context.Context, query string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	form := url.Values{"data": {query}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.Endpoint, strings.NewReader(form))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid boundary endpoint")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", clients.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, clients.ClassifyTransportError(err), "boundary request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, clients.StatusError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, clients.ClassifyTransportError(err), "failed to read boundary response")
	}
	return body, nil
}

type payload struct {
	Remark   string            `json:"remark"`
	Elements []json.RawMessage `json:"elements"`
}

// decode validates an Overpass JSON document. A throttling remark inside a
// 200 response counts as a rate limit.
func decode(id int64, body []byte) (*Boundary, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid boundary payload").
			WithDetail("boundary_id", id)
	}
	if remark := strings.ToLower(p.Remark); strings.Contains(remark, "rate_limited") ||
		strings.Contains(remark, "too many requests") {
		return nil, errors.New(errors.ErrorTypeRateLimit, "boundary request throttled").
			WithDetail("remark", p.Remark)
	}
	if p.Remark != "" && len(p.Elements) == 0 {
		return nil, errors.New(errors.ErrorTypeFetch, "boundary query failed").
			WithDetail("remark", p.Remark)
	}
	if len(p.Elements) == 0 {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "boundary %d not found", id)
	}
	return &Boundary{ID: id, Payload: bytes.Clone(body), Elements: len(p.Elements)}, nil
}

// FetchAll resolves ids concurrently. A boundary that fails is recorded in
// the report and the rest continue. Only cancellation and store failures
// abort the batch.
func (f *Fetcher) FetchAll(ctx context.Context, ids []int64) (*Report, error) {
	report := &Report{Requested: len(ids)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			b, err := f.Fetch(gctx, id)
			if err != nil {
				if errors.IsType(err, errors.ErrorTypeInterrupted) {
					return err
				}
				f.logger.Warn("boundary skipped", zap.Int64("boundary_id", id), zap.Error(err))
				attempts, _ := errors.DetailsOf(err)["attempts"].(int)
				mu.Lock()
				report.Failed = append(report.Failed, Failure{
					ID:       id,
					Attempts: attempts,
					Class:    string(errors.TypeOf(errors.Unwrap(err))),
					Error:    err.Error(),
				})
				mu.Unlock()
				return nil
			}
			if f.store != nil {
				if err := f.store.SaveBoundary(context.WithoutCancel(gctx), b.ID, b.Payload, b.FetchedAt); err != nil {
					return err
				}
			}
			mu.Lock()
			report.Resolved = append(report.Resolved, id)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	sort.Slice(report.Resolved, func(i, j int) bool { return report.Resolved[i] < report.Resolved[j] })
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].ID < report.Failed[j].ID })
	if err == nil && ctx.Err() != nil {
		err = errors.Wrap(ctx.Err(), errors.ErrorTypeInterrupted, "boundary batch interrupted")
	}
	if err != nil {
		return report, err
	}

	f.logger.Info("boundary batch done",
		zap.Int("requested", report.Requested),
		zap.Int("resolved", len(report.Resolved)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}
