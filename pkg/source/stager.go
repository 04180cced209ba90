// Package source stages data files before upload. Local paths pass through;
// s3:// and gs:// objects are downloaded to a temporary directory.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/SpatialKey/skdm-sub000/pkg/logging"
)

// Supported remote schemes.
const (
	SchemeS3  = "s3"
	SchemeGCS = "gs"
)

// Fetcher opens one object of a bucket store.
type Fetcher interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Options configures a Stager.
type Options struct {
	// Region and S3Endpoint configure the S3 client. S3Endpoint is for
	// S3-compatible stores such as MinIO.
	Region     string
	S3Endpoint string
	Logger     *slog.Logger
	// Fetchers overrides the client used for a scheme.
	Fetchers map[string]Fetcher
}

// Stager resolves data file references to local files. Cloud clients are
// created on first use.
type Stager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	fetchers map[string]Fetcher
	closers  []io.Closer
}

// NewStager creates a Stager.
func NewStager(opts Options) *Stager {
	fetchers := make(map[string]Fetcher, len(opts.Fetchers))
	for k, v := range opts.Fetchers {
		fetchers[k] = v
	}
	return &Stager{
		opts:     opts,
		logger:   logging.Component(opts.Logger, "source"),
		fetchers: fetchers,
	}
}

// Remote is a parsed bucket object reference.
type Remote struct {
	Scheme string
	Bucket string
	Key    string
}

func (r Remote) String() string {
	return r.Scheme + "://" + r.Bucket + "/" + r.Key
}

// ParseRemote parses s3://bucket/key and gs://bucket/object references.
// ok is false for anything else, including local paths.
func ParseRemote(ref string) (Remote, bool, error) {
	scheme, rest, found := strings.Cut(ref, "://")
	if !found {
		return Remote{}, false, nil
	}
	scheme = strings.ToLower(scheme)
	if scheme != SchemeS3 && scheme != SchemeGCS {
		return Remote{}, false, fmt.Errorf("unsupported data source scheme %q", scheme)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return Remote{}, false, fmt.Errorf("invalid %s reference %q: want %s://bucket/object", scheme, ref, scheme)
	}
	return Remote{Scheme: scheme, Bucket: bucket, Key: key}, true, nil
}

// Stage returns a local path for ref. The cleanup function removes any
// staged copy and is always safe to call.
func (s *Stager) Stage(ctx context.Context, ref string) (string, func(), error) {
	remote, ok, err := ParseRemote(ref)
	if err != nil {
		return "", func() {}, err
	}
	if !ok {
		if _, err := os.Stat(ref); err != nil {
			return "", func() {}, fmt.Errorf("data file: %w", err)
		}
		return ref, func() {}, nil
	}

	fetcher, err := s.fetcher(ctx, remote.Scheme)
	if err != nil {
		return "", func() {}, err
	}

	dir, err := os.MkdirTemp("", "skimport-stage-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("stage %s: %w", remote, err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	local := filepath.Join(dir, path.Base(remote.Key))
	n, err := s.download(ctx, fetcher, remote, local)
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("stage %s: %w", remote, err)
	}
	s.logger.InfoContext(ctx, "staged remote data file", "source", remote.String(), "bytes", n)
	return local, cleanup, nil
}

// StageAll stages every ref in order. On error, already staged copies are
// removed before returning.
func (s *Stager) StageAll(ctx context.Context, refs []string) ([]string, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for _, c := range cleanups {
			c()
		}
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		local, c, err := s.Stage(ctx, ref)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		cleanups = append(cleanups, c)
		out = append(out, local)
	}
	return out, cleanup, nil
}

func (s *Stager) download(ctx context.Context, f Fetcher, remote Remote, local string) (int64, error) {
	rc, err := f.Open(ctx, remote.Bucket, remote.Key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	out, err := os.Create(local)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (s *Stager) fetcher(ctx context.Context, scheme string) (Fetcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fetchers[scheme]; ok {
		return f, nil
	}

	var f Fetcher
	switch scheme {
	case SchemeS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.opts.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		endpoint := s.opts.S3Endpoint
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		f = &s3Fetcher{client: client}
	case SchemeGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		s.closers = append(s.closers, client)
		f = &gcsFetcher{client: client}
	default:
		return nil, fmt.Errorf("unsupported data source scheme %q", scheme)
	}
	s.fetchers[scheme] = f
	return f, nil
}

// Close releases cloud clients created by the Stager.
func (s *Stager) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

type s3Fetcher struct {
	client *s3.Client
}

func (f *s3Fetcher) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	return out.Body, nil
}

type gcsFetcher struct {
	client *storage.Client
}

func (f *gcsFetcher) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := f.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gcs object %s/%s: %w", bucket, key, os.ErrNotExist)
		}
		return nil, fmt.Errorf("gcs get failed: %w", err)
	}
	return r, nil
}
