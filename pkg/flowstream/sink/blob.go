package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BlobTxn is the checkpointed handle of a BlobTransactor transaction.
type BlobTxn struct {
	ID string `json:"id"`
}

// BlobTransactor commits newline-delimited JSON files into a gocloud
// bucket. Pre-commit writes <prefix>/staging/<txn>.jsonl; commit copies it
// to <prefix>/committed/<txn>.jsonl, which readers treat as visible output.
// A committed object is never rewritten, so commit is idempotent.
type BlobTransactor[IN any] struct {
	bucket *blob.Bucket
	prefix string

	mu      sync.Mutex
	buffers map[string]*bytes.Buffer
}

// NewBlobTransactor writes into bucket under prefix. The caller owns the
// bucket.
func NewBlobTransactor[IN any](bucket *blob.Bucket, prefix string) *BlobTransactor[IN] {
	return &BlobTransactor[IN]{
		bucket:  bucket,
		prefix:  prefix,
		buffers: make(map[string]*bytes.Buffer),
	}
}

func (b *BlobTransactor[IN]) key(dir, txnID string) string {
	return b.dir(dir) + txnID + ".jsonl"
}

func (b *BlobTransactor[IN]) dir(dir string) string {
	if b.prefix != "" {
		return b.prefix + "/" + dir + "/"
	}
	return dir + "/"
}

// Begin implements Transactor.
func (b *BlobTransactor[IN]) Begin(_ context.Context, txnID string) (BlobTxn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers[txnID] = &bytes.Buffer{}
	return BlobTxn{ID: txnID}, nil
}

// Write implements Transactor.
func (b *BlobTransactor[IN]) Write(_ context.Context, txn BlobTxn, value IN) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[txn.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txn.ID)
	}
	return json.NewEncoder(buf).Encode(value)
}

// PreCommit implements Transactor.
func (b *BlobTransactor[IN]) PreCommit(ctx context.Context, txn BlobTxn) error {
	b.mu.Lock()
	buf, ok := b.buffers[txn.ID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txn.ID)
	}

	key := b.key("staging", txn.ID)
	err := b.bucket.WriteAll(ctx, key, buf.Bytes(), &blob.WriterOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}

	b.mu.Lock()
	delete(b.buffers, txn.ID)
	b.mu.Unlock()
	return nil
}

// Commit implements Transactor.
func (b *BlobTransactor[IN]) Commit(ctx context.Context, txn BlobTxn) error {
	staging, committed := b.key("staging", txn.ID), b.key("committed", txn.ID)

	done, err := b.bucket.Exists(ctx, committed)
	if err != nil {
		return fmt.Errorf("check %s: %w", committed, err)
	}
	if !done {
		err := b.bucket.Copy(ctx, committed, staging, nil)
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("%w: %s has no staged data", ErrUnknownTransaction, txn.ID)
		}
		if err != nil {
			return fmt.Errorf("publish %s: %w", committed, err)
		}
	}
	return b.deleteIfExists(ctx, staging)
}

// Abort implements Transactor.
func (b *BlobTransactor[IN]) Abort(ctx context.Context, txn BlobTxn) error {
	b.mu.Lock()
	delete(b.buffers, txn.ID)
	b.mu.Unlock()
	return b.deleteIfExists(ctx, b.key("staging", txn.ID))
}

// Fence implements Fencer. Open transactions only live in this instance's
// buffers; pre-committed ones are the staged objects under prefix.
func (b *BlobTransactor[IN]) Fence(ctx context.Context, prefix string, keep []string) (int, error) {
	b.mu.Lock()
	for txn := range b.buffers {
		if strings.HasPrefix(txn, prefix) && !slices.Contains(keep, txn) {
			delete(b.buffers, txn)
		}
	}
	b.mu.Unlock()

	staging := b.dir("staging")
	var stale []string
	iter := b.bucket.List(&blob.ListOptions{Prefix: staging + prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", staging, err)
		}
		txn := strings.TrimSuffix(strings.TrimPrefix(obj.Key, staging), ".jsonl")
		if !slices.Contains(keep, txn) {
			stale = append(stale, txn)
		}
	}

	n := 0
	for _, txn := range stale {
		done, err := b.bucket.Exists(ctx, b.key("committed", txn))
		if err != nil {
			return n, fmt.Errorf("check %s: %w", txn, err)
		}
		if err := b.deleteIfExists(ctx, b.key("staging", txn)); err != nil {
			return n, err
		}
		if !done {
			n++
		}
	}
	return n, nil
}

func (b *BlobTransactor[IN]) deleteIfExists(ctx context.Context, key string) error {
	err := b.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Committed reads every committed value, ordered by object key: grouped by
// sink id, then by transaction id. A sink commits its transactions in the
// order it began them, so with the default time-ordered ids this is each
// sink's commit order.
func (b *BlobTransactor[IN]) Committed(ctx context.Context) ([]IN, error) {
	dir := b.dir("committed")

	var keys []string
	iter := b.bucket.List(&blob.ListOptions{Prefix: dir})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)

	var out []IN
	for _, key := range keys {
		data, err := b.bucket.ReadAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		for {
			var v IN
			if err := dec.Decode(&v); errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

var (
	_ Transactor[int, BlobTxn] = (*BlobTransactor[int])(nil)
	_ Fencer                   = (*BlobTransactor[int])(nil)
)
