package state

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	"gocloud.dev/gcerrors"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// BlobBackendName is the handle backend name used by BlobBackend.
const BlobBackendName = "blob"

// BlobBackend writes each snapshot as one object in a gocloud bucket
// (local files, S3, GCS, Azure, or memory, depending on the URL scheme).
type BlobBackend struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
}

// OpenBlobBackend opens the bucket at url (e.g. "file:///var/lib/flowstream",
// "mem://") and stores snapshots under prefix.
func OpenBlobBackend(ctx context.Context, url, prefix string) (*BlobBackend, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open state bucket %s: %w", url, err)
	}
	return &BlobBackend{bucket: bucket, prefix: prefix, owned: true}, nil
}

// NewBlobBackend uses an already opened bucket. The caller keeps ownership
// and must close it.
func NewBlobBackend(bucket *blob.Bucket, prefix string) *BlobBackend {
	return &BlobBackend{bucket: bucket, prefix: prefix}
}

// Name implements Backend.
func (b *BlobBackend) Name() string { return BlobBackendName }

// Snapshot implements Backend. The object is committed when the writer
// closes, so the handle is durable once this returns.
func (b *BlobBackend) Snapshot(ctx context.Context, taskID string, checkpointID int64, data []byte) (checkpoint.Handle, error) {
	if len(data) == 0 {
		return checkpoint.EmptyHandle(), nil
	}

	key := objectKey(b.prefix, taskID, checkpointID, uuid.New().String())

	// Cancelling the writer's context before Close discards the object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := b.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return checkpoint.Handle{}, fmt.Errorf("snapshot %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		cancel()
		_ = w.Close()
		return checkpoint.Handle{}, fmt.Errorf("write snapshot %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return checkpoint.Handle{}, fmt.Errorf("commit snapshot %s: %w", key, err)
	}

	return checkpoint.Handle{Backend: BlobBackendName, Key: key, Size: int64(len(data))}, nil
}

// Restore implements Backend.
func (b *BlobBackend) Restore(ctx context.Context, h checkpoint.Handle) ([]byte, error) {
	empty, err := checkHandle(BlobBackendName, h)
	if err != nil || empty {
		return nil, err
	}

	data, err := b.bucket.ReadAll(ctx, h.Key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, h.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", h.Key, err)
	}
	return data, nil
}

// Discard implements Backend.
func (b *BlobBackend) Discard(ctx context.Context, h checkpoint.Handle) error {
	empty, err := checkHandle(BlobBackendName, h)
	if err != nil || empty {
		return err
	}

	err = b.bucket.Delete(ctx, h.Key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("discard %s: %w", h.Key, err)
	}
	return nil
}

// Close implements Backend.
func (b *BlobBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.bucket.Close()
}

var _ Backend = (*BlobBackend)(nil)
