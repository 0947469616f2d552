package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the slice of the S3 SDK the provider uses. *s3.Client
// satisfies it.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	manager.UploadAPIClient
}

// S3Config describes one S3 remote store.
type S3Config struct {
	Region string
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
	// Endpoint overrides the AWS endpoint, for S3-compatible stores.
	// Setting it switches to path-style addressing.
	Endpoint string
}

// S3Provider implements RemoteFS on an S3 bucket.
type S3Provider struct {
	client     S3API
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Provider wraps an existing client.
func NewS3Provider(client S3API, bucket, prefix string) (*S3Provider, error) {
	if bucket == "" {
		return nil, errors.New("broker: s3 bucket must not be empty")
	}
	return &S3Provider{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		prefix:     prefix,
	}, nil
}

// NewS3ProviderFromConfig dials S3 with the default credential chain.
func NewS3ProviderFromConfig(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("broker: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Provider(client, cfg.Bucket, cfg.Prefix)
}

func (p *S3Provider) key(name string) string {
	return path.Join(p.prefix, name)
}

// Stat verifies existence and returns the object's size.
func (p *S3Provider) Stat(ctx context.Context, name string) (Info, error) {
	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Info{}, ErrNotFound
		}
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}

	return Info{Name: name, Size: aws.ToInt64(head.ContentLength)}, nil
}

// Open streams the whole object.
func (p *S3Provider) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}

// OpenRange streams length bytes starting at off.
func (p *S3Provider) OpenRange(ctx context.Context, name string, off, length int64) (io.ReadCloser, error) {
	if off < 0 || length <= 0 {
		return nil, fmt.Errorf("broker: bad range [%d, +%d)", off, length)
	}

	rangeHeader := fmt.Sprintf("bytes=%d-%d", off, off+length-1)
	resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}

// Create opens a streaming writer backed by a background multipart
// upload. The upload finalizes when the writer is closed.
func (p *S3Provider) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}

	go func() {
		_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(name)),
			Body:   pr,
		})
		_ = pr.CloseWithError(err)
		w.done <- err
	}()

	return w, nil
}

// Download copies the whole object into w.
func (p *S3Provider) Download(ctx context.Context, name string, w io.WriterAt) (int64, error) {
	n, err := p.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return n, nil
}

// Delete removes the object.
func (p *S3Provider) Delete(ctx context.Context, name string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(name)),
	})
	return err
}

// List returns the object names under prefix, sorted and with the
// provider prefix stripped.
func (p *S3Provider) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.key(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if len(p.prefix) > 0 && len(name) > len(p.prefix) && name[:len(p.prefix)] == p.prefix {
				name = name[len(p.prefix):]
				if len(name) > 0 && name[0] == '/' {
					name = name[1:]
				}
			}
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names, nil
}

type s3Writer struct {
	pw     *io.PipeWriter
	done   chan error
	closed atomic.Bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return io.ErrClosedPipe
	}
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}
