package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig describes one MinIO (or other S3-compatible) remote
// store reached through the native client.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Prefix is prepended to every object name.
	Prefix string
}

// MinioProvider implements RemoteFS on a MinIO bucket.
type MinioProvider struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioProvider wraps an existing client.
func NewMinioProvider(client *minio.Client, bucket, prefix string) (*MinioProvider, error) {
	if bucket == "" {
		return nil, errors.New("broker: minio bucket must not be empty")
	}
	return &MinioProvider{client: client, bucket: bucket, prefix: prefix}, nil
}

// NewMinioProviderFromConfig dials the endpoint with static
// credentials.
func NewMinioProviderFromConfig(cfg MinioConfig) (*MinioProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("broker: minio endpoint must not be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: minio client: %w", err)
	}
	return NewMinioProvider(client, cfg.Bucket, cfg.Prefix)
}

func (p *MinioProvider) key(name string) string {
	return path.Join(p.prefix, name)
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

// Stat verifies existence and returns the object's size.
func (p *MinioProvider) Stat(ctx context.Context, name string) (Info, error) {
	info, err := p.client.StatObject(ctx, p.bucket, p.key(name), minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}
	return Info{Name: name, Size: info.Size}, nil
}

// Open streams the whole object.
func (p *MinioProvider) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, p.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// OpenRange streams length bytes starting at off.
func (p *MinioProvider) OpenRange(ctx context.Context, name string, off, length int64) (io.ReadCloser, error) {
	if off < 0 || length <= 0 {
		return nil, fmt.Errorf("broker: bad range [%d, +%d)", off, length)
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, off+length-1); err != nil {
		return nil, err
	}

	obj, err := p.client.GetObject(ctx, p.bucket, p.key(name), opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Create opens a streaming writer backed by a background upload of
// unknown length.
func (p *MinioProvider) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &minioWriter{pw: pw, done: make(chan error, 1)}

	go func() {
		_, err := p.client.PutObject(ctx, p.bucket, p.key(name), pr, -1, minio.PutObjectOptions{})
		_ = pr.CloseWithError(err)
		w.done <- err
	}()

	return w, nil
}

// Download copies the whole object into w.
func (p *MinioProvider) Download(ctx context.Context, name string, w io.WriterAt) (int64, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, p.key(name), minio.GetObjectOptions{})
	if err != nil {
		return 0, err
	}
	defer obj.Close()

	n, err := io.Copy(&sequentialWriterAt{w: w}, obj)
	if err != nil && isMinioNotFound(err) {
		return 0, ErrNotFound
	}
	return n, err
}

// Delete removes the object. A missing object is not an error.
func (p *MinioProvider) Delete(ctx context.Context, name string) error {
	err := p.client.RemoveObject(ctx, p.bucket, p.key(name), minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return err
	}
	return nil
}

// List returns the object names under prefix, sorted and with the
// provider prefix stripped.
func (p *MinioProvider) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{
		Prefix:    p.key(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, p.prefix)
		name = strings.TrimPrefix(name, "/")
		if name != "" {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names, nil
}

// sequentialWriterAt adapts an io.WriterAt to sequential writes.
type sequentialWriterAt struct {
	w   io.WriterAt
	off int64
}

func (s *sequentialWriterAt) Write(p []byte) (int, error) {
	n, err := s.w.WriteAt(p, s.off)
	s.off += int64(n)
	return n, err
}

type minioWriter struct {
	pw     *io.PipeWriter
	done   chan error
	closed atomic.Bool
}

func (w *minioWriter) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return w.pw.Write(p)
}

func (w *minioWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return io.ErrClosedPipe
	}
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}
