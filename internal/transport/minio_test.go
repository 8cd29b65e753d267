package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/upload"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	bucket string
	key    string
	body   []byte
	opts   minio.PutObjectOptions
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.bucket, f.key, f.opts = bucket, key, opts

	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.body = data

	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}

	if opts.Progress != nil {
		buf := make([]byte, size)
		if _, err := opts.Progress.Read(buf); err != nil {
			return minio.UploadInfo{}, err
		}
	}

	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name   string
		target upload.Target
		want   string
	}{
		{"whole", upload.Target{ItemID: "i1", VisitID: "v1"}, "v1/i1/object"},
		{"first chunk", upload.Target{ItemID: "i1", VisitID: "v1", Index: 0, Count: 3}, "v1/i1/part-00000"},
		{"later chunk", upload.Target{ItemID: "i1", VisitID: "v1", Index: 12, Count: 20}, "v1/i1/part-00012"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectKey(tt.target))
		})
	}
}

func TestObjectTransfer_Whole(t *testing.T) {
	fake := &fakePutter{}
	o := &ObjectTransferer{client: fake, bucket: "media", logger: testLogger}

	var progress []int
	err := o.Transfer(context.Background(), photoTarget, []byte("jpeg"), func(p int) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.Equal(t, "media", fake.bucket)
	assert.Equal(t, "visit-1/01HX/object", fake.key)
	assert.Equal(t, []byte("jpeg"), fake.body)
	assert.Equal(t, "image/jpeg", fake.opts.ContentType)
	assert.Equal(t, "entry-1", fake.opts.UserMetadata["Entry-Id"])
	assert.Equal(t, []int{100}, progress)
}

func TestObjectTransfer_Chunk(t *testing.T) {
	fake := &fakePutter{}
	o := &ObjectTransferer{client: fake, bucket: "media", logger: testLogger}

	target := photoTarget
	target.Index, target.Count, target.Digest = 2, 4, "d1g"

	require.NoError(t, o.Transfer(context.Background(), target, []byte("part"), nil))

	assert.Equal(t, "visit-1/01HX/part-00002", fake.key)
	assert.Equal(t, "application/octet-stream", fake.opts.ContentType)
	assert.Equal(t, "4", fake.opts.UserMetadata["Chunk-Count"])
	assert.Equal(t, "d1g", fake.opts.UserMetadata["Digest"])
	assert.Nil(t, fake.opts.Progress)
}

func TestObjectTransfer_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"access denied", minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}, false},
		{"no such bucket", minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchBucket"}, false},
		{"throttled", minio.ErrorResponse{StatusCode: http.StatusTooManyRequests, Code: "SlowDown"}, true},
		{"request timeout", minio.ErrorResponse{StatusCode: http.StatusRequestTimeout, Code: "RequestTimeout"}, true},
		{"server error", minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable, Code: "ServiceUnavailable"}, true},
		{"network", errors.New("dial tcp: connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &ObjectTransferer{client: &fakePutter{err: tt.err}, bucket: "media", logger: testLogger}

			err := o.Transfer(context.Background(), photoTarget, []byte("x"), nil)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
		})
	}
}

func TestProgressReader(t *testing.T) {
	var got []int
	p := &progressReader{total: 10, report: func(n int) { got = append(got, n) }}

	for _, n := range []int{3, 0, 3, 4} {
		_, err := p.Read(make([]byte, n))
		require.NoError(t, err)
	}

	assert.Equal(t, []int{30, 60, 100}, got)
}

func TestNewObjectTransferer_PutsToServer(t *testing.T) {
	paths := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		io.Copy(io.Discard, r.Body)
		paths <- r.URL.Path

		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o, err := NewObjectTransferer(ObjectConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "media",
	}, testLogger)
	require.NoError(t, err)

	require.NoError(t, o.Transfer(context.Background(), photoTarget, []byte("jpeg"), nil))
	assert.Equal(t, "/media/visit-1/01HX/object", <-paths)
}
