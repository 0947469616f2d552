package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/cluster"
)

// fakeS3 is an in-memory S3 for testing the provider without a
// network. Multipart uploads are not supported; test payloads stay
// under the uploader part size.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	start, end := int64(0), int64(len(data))-1
	if params.Range != nil {
		if _, err := fmt.Sscanf(*params.Range, "bytes=%d-%d", &start, &end); err != nil {
			return nil, fmt.Errorf("bad range %q", *params.Range)
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
	}

	chunk := data[start : end+1]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(chunk)),
		ContentLength: aws.Int64(int64(len(chunk))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data))),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.objects {
		if params.Prefix == nil || strings.HasPrefix(key, *params.Prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func newTestProvider(t *testing.T) (*S3Provider, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	p, err := NewS3Provider(fake, "test-bucket", "data")
	require.NoError(t, err)
	return p, fake
}

func TestS3ProviderStat(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)
	fake.objects["data/seg_1.dat"] = []byte("hello world")

	info, err := p.Stat(ctx, "seg_1.dat")
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)

	_, err = p.Stat(ctx, "missing.dat")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3ProviderOpenRange(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)
	fake.objects["data/seg_1.dat"] = []byte("hello world")

	r, err := p.OpenRange(ctx, "seg_1.dat", 6, 5)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	_, err = p.OpenRange(ctx, "seg_1.dat", -1, 5)
	assert.Error(t, err)
}

func TestS3ProviderCreateRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)

	w, err := p.Create(ctx, "seg_2.dat")
	require.NoError(t, err)
	_, err = w.Write([]byte("segment "))
	require.NoError(t, err)
	_, err = w.Write([]byte("bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), io.ErrClosedPipe)

	assert.Equal(t, []byte("segment bytes"), fake.objects["data/seg_2.dat"])

	r, err := p.Open(ctx, "seg_2.dat")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "segment bytes", string(got))
}

func TestS3ProviderDownload(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)
	fake.objects["data/small_file"] = []byte("function library")

	buf := manager.NewWriteAtBuffer(nil)
	n, err := p.Download(ctx, "small_file", buf)
	require.NoError(t, err)
	assert.Equal(t, int64(16), n)
	assert.Equal(t, "function library", string(buf.Bytes()))
}

func TestS3ProviderDeleteAndList(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)
	fake.objects["data/a/1.dat"] = []byte("1")
	fake.objects["data/a/2.dat"] = []byte("2")
	fake.objects["data/b/3.dat"] = []byte("3")

	names, err := p.List(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1.dat", "a/2.dat"}, names)

	require.NoError(t, p.Delete(ctx, "a/1.dat"))
	_, err = p.Stat(ctx, "a/1.dat")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3ProviderValidation(t *testing.T) {
	_, err := NewS3Provider(newFakeS3(), "", "")
	assert.Error(t, err)
}

func TestMinioProviderValidation(t *testing.T) {
	_, err := NewMinioProviderFromConfig(MinioConfig{})
	assert.Error(t, err)

	_, err = NewMinioProviderFromConfig(MinioConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err) // missing bucket

	p, err := NewMinioProviderFromConfig(MinioConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "basalt",
	})
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestSequentialWriterAt(t *testing.T) {
	buf := manager.NewWriteAtBuffer(nil)
	w := &sequentialWriterAt{w: buf}

	_, err := io.Copy(w, strings.NewReader("ordered bytes"))
	require.NoError(t, err)
	assert.Equal(t, "ordered bytes", string(buf.Bytes()))
}

func TestMgrProviders(t *testing.T) {
	m := NewMgr()

	p, err := NewS3Provider(newFakeS3(), "bucket", "")
	require.NoError(t, err)

	require.NoError(t, m.RegisterProvider(SchemeS3, p))
	assert.Error(t, m.RegisterProvider(SchemeS3, p))
	assert.Error(t, m.RegisterProvider("", p))
	assert.Error(t, m.RegisterProvider(SchemeMinio, nil))

	got, err := m.Provider(SchemeS3)
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = m.Provider(SchemeMinio)
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Equal(t, 1, m.ProviderCount())
}

func TestMgrBrokers(t *testing.T) {
	m := NewMgr()

	_, err := m.NextBroker()
	assert.Error(t, err)

	b1 := cluster.Addr{Host: "broker1", Port: 8000}
	b2 := cluster.Addr{Host: "broker2", Port: 8000}
	m.AddBroker(b1)
	m.AddBroker(b2)

	first, err := m.NextBroker()
	require.NoError(t, err)
	second, err := m.NextBroker()
	require.NoError(t, err)
	third, err := m.NextBroker()
	require.NoError(t, err)
	assert.Equal(t, b1, first)
	assert.Equal(t, b2, second)
	assert.Equal(t, b1, third)

	assert.Len(t, m.Brokers(), 2)
}

func TestMgrInitAndRelease(t *testing.T) {
	m := NewMgr()
	require.NoError(t, m.Init())
	require.NoError(t, m.Init())

	p, err := NewS3Provider(newFakeS3(), "bucket", "")
	require.NoError(t, err)
	require.NoError(t, m.RegisterProvider(SchemeS3, p))
	m.AddBroker(cluster.Addr{Host: "broker1", Port: 8000})

	m.Release()
	assert.Equal(t, 0, m.ProviderCount())
	assert.Empty(t, m.Brokers())
}
