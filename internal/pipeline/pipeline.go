// Package pipeline runs the partition-parallel transform stage: a feed file
// is split into record-aligned chunks, a pool of workers pulls chunks from a
// shared queue, parses and validates them, and appends the surviving notes
// to staging in batches.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/notesync/internal/parser"
	"github.com/ajitpratap0/notesync/internal/partition"
	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/metrics"
	"github.com/ajitpratap0/notesync/pkg/observability"
)

// Stager receives validated notes. *store.Store implements it.
type Stager interface {
	AppendStaged(ctx context.Context, batch []store.StagedNote) error
}

// Pipeline transforms one feed file into staging rows.
type Pipeline struct {
	stager  Stager
	cfg     config.PipelineConfig
	format  parser.Format
	mode    string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records chunk and staging counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMode labels metrics and logs with the run mode.
func WithMode(mode string) Option {
	return func(p *Pipeline) { p.mode = mode }
}

// New creates a pipeline staging into s.
func New(s Stager, cfg config.PipelineConfig, format parser.Format, opts ...Option) *Pipeline {
	p := &Pipeline{
		stager: s,
		cfg:    cfg,
		format: format,
		mode:   "bulk",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.BatchSize < 1 {
		p.cfg.BatchSize = 1000
	}
	if p.cfg.PartitionFactor < 1 {
		p.cfg.PartitionFactor = 2
	}
	p.logger = p.logger.With(zap.String("component", "pipeline"), zap.String("mode", p.mode))
	return p
}

// Run processes path. It returns the report together with any error, so
// that a caller failing on the reject ratio still sees what was rejected.
func (p *Pipeline) Run(ctx context.Context, path string) (*Report, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.run", attribute.String("path", path))
	report, err := p.run(ctx, path)
	observability.EndSpan(span, err)
	return report, err
}

func (p *Pipeline) run(ctx context.Context, path string) (*Report, error) {
	start := time.Now()
	report := &Report{}

	workers := p.cfg.WorkerCount()
	ranges, err := partition.SplitFile(path, workers*p.cfg.PartitionFactor)
	if err != nil {
		return report, errors.Wrap(err, errors.ErrorTypeFile, "failed to partition feed file").
			WithDetail("path", path)
	}
	if len(ranges) == 0 {
		p.logger.Info("feed file holds no records", zap.String("path", path))
		return report, nil
	}
	if workers > len(ranges) {
		workers = len(ranges)
	}

	f, err := os.Open(path) //nolint:gosec // path is produced by the feed
	if err != nil {
		return report, errors.Wrap(err, errors.ErrorTypeFile, "failed to open feed file").
			WithDetail("path", path)
	}
	defer f.Close()

	chunks := make(chan partition.Range, len(ranges))
	for _, r := range ranges {
		chunks <- r
	}
	close(chunks)

	p.logger.Info("transform started",
		zap.String("path", path),
		zap.Int("chunks", len(ranges)),
		zap.Int("workers", workers))

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for r := range chunks {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// a started chunk is finished even if the run is being stopped
				res, err := p.processChunk(context.WithoutCancel(gctx), f, r)
				report.add(res)
				if err != nil {
					return err
				}
				p.logger.Debug("chunk done",
					zap.Int("worker", w),
					zap.Int("partition", r.Index),
					zap.Int("parsed", res.parsed),
					zap.Int("rejected", len(res.rejections)))
			}
			return nil
		})
	}
	err = g.Wait()
	if ctx.Err() != nil {
		return report, errors.Wrap(ctx.Err(), errors.ErrorTypeInterrupted, "transform interrupted").
			WithDetail("chunks_done", report.Chunks)
	}
	if err != nil {
		return report, err
	}
	sort.Slice(report.Rejections, func(i, j int) bool {
		a, b := report.Rejections[i], report.Rejections[j]
		if a.Partition != b.Partition {
			return a.Partition < b.Partition
		}
		return a.Offset < b.Offset
	})

	if ratio := report.RejectedChunkRatio(); ratio > p.cfg.MaxRejectedChunkRatio {
		return report, errors.Newf(errors.ErrorTypeValidation,
			"%d of %d chunks rejected records, above the %.2f threshold",
			report.RejectedChunks, report.Chunks, p.cfg.MaxRejectedChunkRatio).
			WithDetail("rejections", len(report.Rejections))
	}

	p.logger.Info("transform completed",
		zap.Int("chunks", report.Chunks),
		zap.Int64("parsed", report.Parsed),
		zap.Int64("staged", report.Staged),
		zap.Int("rejected", len(report.Rejections)),
		zap.Duration("duration", time.Since(start)))
	return report, nil
}

type chunkResult struct {
	parsed     int
	staged     int
	rejections []Rejection
}

func (p *Pipeline) processChunk(ctx context.Context, f io.ReaderAt, r partition.Range) (chunkResult, error) {
	var (
		res      chunkResult
		batch    = make([]store.StagedNote, 0, p.cfg.BatchSize)
		comments int
		pos      int64
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.stager.AppendStaged(ctx, batch); err != nil {
			return err
		}
		res.staged += len(batch)
		p.metrics.AddStaged(store.StagedNotesTable, len(batch))
		p.metrics.AddStaged(store.StagedCommentsTable, comments)
		batch, comments = batch[:0], 0
		return nil
	}
	reject := func(offset, noteID int64, reason string) {
		rej := Rejection{Partition: r.Index, Offset: r.Offset + offset, NoteID: noteID, Reason: reason}
		res.rejections = append(res.rejections, rej)
		p.logger.Warn("record rejected",
			zap.Int("partition", rej.Partition),
			zap.Int64("offset", rej.Offset),
			zap.Int64("note_id", rej.NoteID),
			zap.String("reason", rej.Reason))
	}

	s := parser.NewScanner(io.NewSectionReader(f, r.Offset, r.Length), p.format)
	for s.Next() {
		pos++
		note, err := s.Record()
		if err != nil {
			var recErr *parser.RecordError
			if errors.As(err, &recErr) {
				reject(recErr.Offset, recErr.NoteID, recErr.Reason)
			} else {
				reject(s.Offset(), note.ID, err.Error())
			}
			continue
		}
		res.parsed++
		if p.cfg.Validate {
			if err := note.Validate(); err != nil {
				reject(s.Offset(), note.ID, err.Error())
				continue
			}
		}
		batch = append(batch, store.StagedNote{Partition: r.Index, Position: pos, Note: note})
		comments += len(note.Comments)
		if len(batch) >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := s.Err(); err != nil {
		var synErr *parser.SyntaxError
		offset := int64(0)
		if errors.As(err, &synErr) {
			offset = synErr.Offset
		}
		reject(offset, 0, fmt.Sprintf("rest of chunk skipped: %v", err))
	}
	if err := flush(); err != nil {
		return res, err
	}
	p.metrics.ObserveChunk(p.mode, res.parsed, len(res.rejections), len(res.rejections) > 0)
	return res, nil
}

// Rejection locates one record, or the remainder of a chunk, that did not
// reach staging.
type Rejection struct {
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
	NoteID    int64  `json:"note_id,omitempty"`
	Reason    string `json:"reason"`
}

// Report summarises one pipeline run.
type Report struct {
	mu sync.Mutex

	Chunks         int         `json:"chunks"`
	RejectedChunks int         `json:"rejected_chunks"`
	Parsed         int64       `json:"parsed"`
	Staged         int64       `json:"staged"`
	Rejections     []Rejection `json:"rejections,omitempty"`
}

func (r *Report) add(res chunkResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Chunks++
	if len(res.rejections) > 0 {
		r.RejectedChunks++
	}
	r.Parsed += int64(res.parsed)
	r.Staged += int64(res.staged)
	r.Rejections = append(r.Rejections, res.rejections...)
}

// RejectedChunkRatio is the share of processed chunks with at least one
// rejection.
func (r *Report) RejectedChunkRatio() float64 {
	if r == nil || r.Chunks == 0 {
		return 0
	}
	return float64(r.RejectedChunks) / float64(r.Chunks)
}

// HasWarnings reports whether anything was rejected.
func (r *Report) HasWarnings() bool {
	return r != nil && len(r.Rejections) > 0
}
