package feed

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // the snapshot publisher only ships md5 sums
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/pkg/clients"
	"github.com/ajitpratap0/notesync/pkg/compression"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/observability"
	"github.com/ajitpratap0/notesync/pkg/retry"
)

// Snapshot is a downloaded and decompressed bulk feed.
type Snapshot struct {
	// Path is the decompressed XML document
	Path        string
	Source      string
	Compression compression.Algorithm
	Archive     int64
	Bytes       int64
	MD5         string
	Duration    time.Duration
}

// Bulk retrieves the snapshot feed.
type Bulk struct {
	cfg      config.BulkConfig
	workDir  string
	http     *retryablehttp.Client
	policy   retry.Policy
	timeout  time.Duration
	diskFree func(ctx context.Context, path string) (uint64, error)
	logger   *zap.Logger
}

// BulkOption configures Bulk.
type BulkOption func(*Bulk)

// WithHTTPClient replaces the retrying HTTP client.
func WithHTTPClient(c *retryablehttp.Client) BulkOption {
	return func(b *Bulk) { b.http = c }
}

// WithBulkRetry sets the policy around a whole download.
func WithBulkRetry(p retry.Policy) BulkOption {
	return func(b *Bulk) { b.policy = p }
}

// WithDownloadTimeout bounds one download attempt.
func WithDownloadTimeout(d time.Duration) BulkOption {
	return func(b *Bulk) { b.timeout = d }
}

// WithDiskFree replaces the free space probe.
func WithDiskFree(fn func(ctx context.Context, path string) (uint64, error)) BulkOption {
	return func(b *Bulk) { b.diskFree = fn }
}

// WithBulkLogger sets the logger.
func WithBulkLogger(l *zap.Logger) BulkOption {
	return func(b *Bulk) { b.logger = l }
}

// NewBulk creates the snapshot feed writing into workDir.
func NewBulk(cfg config.BulkConfig, workDir string, opts ...BulkOption) *Bulk {
	b := &Bulk{
		cfg:      cfg,
		workDir:  workDir,
		policy:   retry.Default(),
		timeout:  time.Hour,
		diskFree: freeBytes,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "bulk_feed"))
	if b.http == nil {
		hc := clients.DefaultHTTPConfig()
		// the archive is large; only the header wait is bounded here
		hc.RequestTimeout = 0
		b.http = clients.NewRetryableClient(hc, b.logger)
	}
	return b
}

func freeBytes(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Fetch downloads (when remote), verifies and decompresses the snapshot.
func (b *Bulk) Fetch(ctx context.Context) (*Snapshot, error) {
	ctx, span := observability.StartSpan(ctx, "feed.bulk", attribute.String("location", b.cfg.Location))
	snap, err := b.fetch(ctx)
	observability.EndSpan(span, err)
	return snap, err
}

func (b *Bulk) fetch(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	loc, err := ParseLocation(b.cfg.Location)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(b.workDir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create work directory").
			WithDetail("path", b.workDir)
	}
	if err := b.checkDisk(ctx); err != nil {
		return nil, err
	}

	archive := loc.Path
	if loc.Scheme != "file" {
		archive = filepath.Join(b.workDir, loc.Name())
		if err := b.download(ctx, loc, archive); err != nil {
			return nil, err
		}
		defer os.Remove(archive) //nolint:errcheck // the decompressed copy is what the run reads
	}

	fi, err := os.Stat(archive)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "snapshot not found").WithDetail("path", archive)
	}
	if fi.Size() == 0 {
		return nil, errors.New(errors.ErrorTypeFetch, "snapshot archive is empty").WithDetail("path", archive)
	}

	sum, err := fileMD5(archive)
	if err != nil {
		return nil, err
	}
	if b.cfg.ChecksumLocation != "" {
		if err := b.verify(ctx, sum); err != nil {
			return nil, err
		}
	}

	alg, name := compression.Detect(loc.Name())
	out := filepath.Join(b.workDir, name)
	if out == archive {
		out = filepath.Join(b.workDir, "snapshot-"+name)
	}
	n, err := decompress(archive, out, alg)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Path:        out,
		Source:      b.cfg.Location,
		Compression: alg,
		Archive:     fi.Size(),
		Bytes:       n,
		MD5:         sum,
		Duration:    time.Since(start),
	}
	b.logger.Info("snapshot ready",
		zap.String("path", out),
		zap.String("compression", string(alg)),
		zap.Int64("archive_bytes", snap.Archive),
		zap.Int64("bytes", n),
		zap.Duration("duration", snap.Duration))
	return snap, nil
}

func (b *Bulk) checkDisk(ctx context.Context) error {
	if b.cfg.MinFreeDiskMB == 0 {
		return nil
	}
	free, err := b.diskFree(ctx, b.workDir)
	if err != nil {
		b.logger.Warn("free disk probe failed", zap.Error(err))
		return nil
	}
	need := b.cfg.MinFreeDiskMB * 1024 * 1024
	if free < need {
		return errors.Newf(errors.ErrorTypeResource, "insufficient disk space in %s", b.workDir).
			WithDetail("free_mb", free/1024/1024).
			WithDetail("required_mb", b.cfg.MinFreeDiskMB)
	}
	return nil
}

func (b *Bulk) download(ctx context.Context, loc Location, dst string) error {
	f, err := b.fetcherFor(loc)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "unsupported location")
	}
	err = b.policy.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		out, err := os.Create(dst) //nolint:gosec // work directory path
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to create archive file")
		}
		n, err := f.fetch(ctx, loc, out)
		if cerr := out.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, errors.ErrorTypeFile, "failed to write archive file")
		}
		if err != nil {
			return err
		}
		b.logger.Info("snapshot downloaded", zap.String("scheme", loc.Scheme), zap.Int64("bytes", n))
		return nil
	})
	if err != nil {
		os.Remove(dst) //nolint:errcheck
		if ctx.Err() != nil {
			return errors.Wrap(err, errors.ErrorTypeInterrupted, "snapshot download interrupted")
		}
		if errors.IsType(err, errors.ErrorTypeConfig) || errors.IsType(err, errors.ErrorTypeFile) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeFetch, "snapshot download failed").
			WithDetail("location", b.cfg.Location)
	}
	return nil
}

// verify compares sum with the first token of the checksum file, which has
// the md5sum layout "<hex>  <name>".
func (b *Bulk) verify(ctx context.Context, sum string) error {
	var data []byte
	err := b.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = b.readSmall(ctx, b.cfg.ChecksumLocation)
		return err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFetch, "failed to retrieve snapshot checksum")
	}
	fields := strings.Fields(string(bytes.TrimSpace(data)))
	if len(fields) == 0 {
		return errors.New(errors.ErrorTypeFetch, "checksum file is empty")
	}
	if !strings.EqualFold(fields[0], sum) {
		return errors.New(errors.ErrorTypeFetch, "snapshot checksum mismatch").
			WithDetail("expected", fields[0]).
			WithDetail("actual", sum)
	}
	b.logger.Debug("checksum verified", zap.String("md5", sum))
	return nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to open archive")
	}
	defer f.Close()
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to hash archive")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// decompress writes the full decompressed archive to out. A truncated or
// corrupt archive fails here rather than half way through a run.
func decompress(archive, out string, alg compression.Algorithm) (int64, error) {
	in, err := os.Open(archive) //nolint:gosec
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to open archive")
	}
	defer in.Close()

	dst, err := os.Create(out) //nolint:gosec
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to create snapshot file")
	}
	n, err := compression.DecompressStream(dst, in, alg)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out) //nolint:errcheck
		return n, errors.Wrap(err, errors.ErrorTypeFetch, "snapshot archive is corrupt").
			WithDetail("archive", archive)
	}
	if n == 0 {
		os.Remove(out) //nolint:errcheck
		return 0, errors.New(errors.ErrorTypeFetch, "snapshot decompressed to nothing").
			WithDetail("archive", archive)
	}
	return n, nil
}
