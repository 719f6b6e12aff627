package feed

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/internal/parser"
	"github.com/ajitpratap0/notesync/pkg/clients"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/observability"
	"github.com/ajitpratap0/notesync/pkg/retry"
)

// Batch is one downloaded delta.
type Batch struct {
	Path  string
	From  time.Time
	Count int
	// Truncated is set when the delta reached the configured maximum and
	// may be missing notes
	Truncated bool
}

// Delta retrieves notes changed since the cursor.
type Delta struct {
	cfg     config.DeltaConfig
	workDir string
	fetcher *httpFetcher
	policy  retry.Policy
	timeout time.Duration
	logger  *zap.Logger
}

// NewDelta creates the incremental feed. client may be nil.
func NewDelta(cfg config.DeltaConfig, workDir string, client *retryablehttp.Client, policy retry.Policy,
	timeout time.Duration, logger *zap.Logger,
) *Delta {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = clients.NewRetryableClient(clients.DefaultHTTPConfig(), logger)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Delta{
		cfg:     cfg,
		workDir: workDir,
		fetcher: &httpFetcher{client: client},
		policy:  policy,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "delta_feed")),
	}
}

// URL expands the template for a cursor position.
func URL(template string, from time.Time, limit int) string {
	r := strings.NewReplacer(
		"{from}", url.QueryEscape(from.UTC().Format(time.RFC3339)),
		"{limit}", strconv.Itoa(limit),
	)
	return r.Replace(template)
}

// Fetch downloads the notes changed since from and counts them.
func (d *Delta) Fetch(ctx context.Context, from time.Time) (*Batch, error) {
	ctx, span := observability.StartSpan(ctx, "feed.delta", attribute.String("from", from.UTC().Format(time.RFC3339)))
	b, err := d.fetch(ctx, from)
	observability.EndSpan(span, err)
	return b, err
}

func (d *Delta) fetch(ctx context.Context, from time.Time) (*Batch, error) {
	if err := os.MkdirAll(d.workDir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create work directory")
	}
	loc := Location{Scheme: "https", Path: URL(d.cfg.URLTemplate, from, d.cfg.MaxNotes)}
	path := filepath.Join(d.workDir, "delta.xml")

	err := d.policy.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		out, err := os.Create(path) //nolint:gosec // work directory path
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to create delta file")
		}
		_, err = d.fetcher.fetch(ctx, loc, out)
		if cerr := out.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, errors.ErrorTypeFile, "failed to write delta file")
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInterrupted, "delta download interrupted")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "delta download failed").
			WithDetail("from", from.UTC().Format(time.RFC3339))
	}

	format, err := parser.ParseFormat(d.cfg.Format)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid delta format")
	}
	count, err := CountRecords(path, format)
	if err != nil {
		return nil, err
	}
	b := &Batch{Path: path, From: from, Count: count, Truncated: count >= d.cfg.MaxNotes}
	d.logger.Info("delta downloaded",
		zap.Time("from", from),
		zap.Int("notes", count),
		zap.Bool("truncated", b.Truncated))
	return b, nil
}

// CountRecords counts note elements in a feed file in one streaming pass.
// Records with bad values are counted; a structural error means the
// download is unusable.
func CountRecords(path string, format parser.Format) (int, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to open feed file")
	}
	defer f.Close()

	n := 0
	s := parser.NewScanner(f, format)
	for s.Next() {
		n++
	}
	if err := s.Err(); err != nil {
		return n, errors.Wrap(err, errors.ErrorTypeFetch, fmt.Sprintf("feed file %s is malformed", filepath.Base(path)))
	}
	return n, nil
}
