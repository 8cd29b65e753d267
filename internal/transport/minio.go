package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/upload"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig configures an S3-compatible object store target.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectTransferer uploads items to an object store, one object per item or
// per chunk.
type ObjectTransferer struct {
	client objectPutter
	bucket string
	logger *slog.Logger
}

var _ upload.Transferer = (*ObjectTransferer)(nil)

// NewObjectTransferer creates a transferer backed by minio-go. The bucket
// must already exist.
func NewObjectTransferer(cfg ObjectConfig, logger *slog.Logger) (*ObjectTransferer, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	return &ObjectTransferer{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// ObjectKey returns the key an upload target is stored under.
func ObjectKey(t upload.Target) string {
	if t.Chunked() {
		return fmt.Sprintf("%s/%s/part-%05d", t.VisitID, t.ItemID, t.Index)
	}

	return fmt.Sprintf("%s/%s/object", t.VisitID, t.ItemID)
}

// Transfer puts the payload under ObjectKey(target).
func (o *ObjectTransferer) Transfer(ctx context.Context, target upload.Target, payload []byte, onProgress func(int)) error {
	key := ObjectKey(target)

	contentType := target.ContentType
	if contentType == "" || target.Chunked() {
		contentType = "application/octet-stream"
	}

	meta := map[string]string{
		"Entry-Id": target.EntryID,
		"Kind":     string(target.Kind),
	}
	if target.Chunked() {
		meta["Chunk-Count"] = strconv.Itoa(target.Count)
		meta["Digest"] = target.Digest
	}

	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	}
	if onProgress != nil {
		opts.Progress = &progressReader{total: int64(len(payload)), report: onProgress}
	}

	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		o.logger.Warn("object upload failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return classifyObjectError(err)
	}

	return nil
}

// classifyObjectError treats client-side S3 errors as rejections. Timeouts
// and throttling stay retryable.
func classifyObjectError(err error) error {
	resp := minio.ToErrorResponse(err)

	switch code := resp.StatusCode; {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
	case code >= 400 && code < 500:
		reason := resp.Code
		if resp.Message != "" {
			reason += ": " + resp.Message
		}

		return &apperrors.RemoteRejectedError{Reason: reason, Code: code}
	}

	return &apperrors.TransientNetworkError{Op: "put object", Err: err}
}

// progressReader receives the bytes minio-go has sent and reports them as a
// percentage.
type progressReader struct {
	total  int64
	sent   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	p.sent += int64(len(b))

	pct := 100
	if p.total > 0 && p.sent < p.total {
		pct = int(p.sent * 100 / p.total)
	}

	if pct != p.last {
		p.last = pct
		p.report(pct)
	}

	return len(b), nil
}
