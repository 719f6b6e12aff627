// Package feed acquires the two note sources: the periodic bulk snapshot
// and the incremental delta from the notes API. Both end up as a plain
// XML file in the work directory, ready for partitioning.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-retryablehttp"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/notesync/pkg/clients"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
)

// Location is a parsed source location.
type Location struct {
	Scheme string
	// Bucket is set for s3 and gs
	Bucket string
	// Path is a local path, an object key or the full URL for http(s)
	Path string
}

// Name is the base file name of the location.
func (l Location) Name() string {
	if l.Scheme == "http" || l.Scheme == "https" {
		if u, err := url.Parse(l.Path); err == nil {
			return path.Base(u.Path)
		}
	}
	return path.Base(filepath.ToSlash(l.Path))
}

// ParseLocation accepts a plain path or a file, http(s), s3 or gs URL.
func ParseLocation(raw string) (Location, error) {
	if raw == "" {
		return Location{}, errors.New(errors.ErrorTypeConfig, "empty feed location")
	}
	if !strings.Contains(raw, "://") {
		return Location{Scheme: "file", Path: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid feed location")
	}
	switch u.Scheme {
	case "file":
		return Location{Scheme: "file", Path: u.Path}, nil
	case "http", "https":
		return Location{Scheme: u.Scheme, Path: raw}, nil
	case "s3", "gs":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, errors.Newf(errors.ErrorTypeConfig, "%s location needs bucket and object: %q", u.Scheme, raw)
		}
		return Location{Scheme: u.Scheme, Bucket: u.Host, Path: key}, nil
	default:
		return Location{}, errors.Newf(errors.ErrorTypeConfig, "unsupported feed location scheme %q", u.Scheme)
	}
}

// fetcher copies a remote object into a local file.
type fetcher interface {
	fetch(ctx context.Context, loc Location, dst *os.File) (int64, error)
}

type httpFetcher struct {
	client *retryablehttp.Client
}

func (h *httpFetcher) fetch(ctx context.Context, loc Location, dst *os.File) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, loc.Path, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "invalid feed URL")
	}
	req.Header.Set("User-Agent", clients.UserAgent)
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, clients.ClassifyTransportError(err), "feed download failed").
			WithDetail("url", loc.Path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, clients.StatusError(resp)
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, errors.Wrap(err, clients.ClassifyTransportError(err), "feed download interrupted").
			WithDetail("bytes", n)
	}
	return n, nil
}

type s3Fetcher struct {
	cfg config.BulkConfig
}

func (f *s3Fetcher) fetch(ctx context.Context, loc Location, dst *os.File) (int64, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if f.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(f.cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to load AWS configuration")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if f.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(f.cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.PartSize = 16 * 1024 * 1024
		d.Concurrency = 4
	})
	n, err := downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Path),
	})
	if err != nil {
		return n, errors.Wrap(err, errors.ErrorTypeConnection, "s3 download failed").
			WithDetail("bucket", loc.Bucket).
			WithDetail("key", loc.Path)
	}
	return n, nil
}

type gcsFetcher struct {
	cfg config.BulkConfig
}

func (f *gcsFetcher) fetch(ctx context.Context, loc Location, dst *os.File) (int64, error) {
	var opts []option.ClientOption
	if f.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(f.cfg.CredentialsFile))
	}
	if f.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.cfg.Endpoint))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to create GCS client")
	}
	defer client.Close()

	r, err := client.Bucket(loc.Bucket).Object(loc.Path).NewReader(ctx)
	if err != nil {
		typ := errors.ErrorTypeConnection
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			typ = errors.ErrorTypeFetch
		}
		return 0, errors.Wrap(err, typ, "gcs read failed").
			WithDetail("bucket", loc.Bucket).
			WithDetail("object", loc.Path)
	}
	defer r.Close()
	n, err := io.Copy(dst, r)
	if err != nil {
		return n, errors.Wrap(err, errors.ErrorTypeConnection, "gcs download interrupted")
	}
	return n, nil
}

// readSmall returns the content of a small object such as a checksum file.
func (b *Bulk) readSmall(ctx context.Context, raw string) ([]byte, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}
	if loc.Scheme == "file" {
		data, err := os.ReadFile(loc.Path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read checksum file")
		}
		return data, nil
	}
	tmp, err := os.CreateTemp(b.workDir, ".checksum-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	defer tmp.Close()

	f, err := b.fetcherFor(loc)
	if err != nil {
		return nil, err
	}
	if _, err := f.fetch(ctx, loc, tmp); err != nil {
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(tmp, 4096))
}

func (b *Bulk) fetcherFor(loc Location) (fetcher, error) {
	switch loc.Scheme {
	case "http", "https":
		return &httpFetcher{client: b.http}, nil
	case "s3":
		return &s3Fetcher{cfg: b.cfg}, nil
	case "gs":
		return &gcsFetcher{cfg: b.cfg}, nil
	default:
		return nil, fmt.Errorf("no fetcher for scheme %q", loc.Scheme)
	}
}
