package checkpoint

import (
	"context"
	"errors"
	"sort"
)

// Store persists completed checkpoints for recovery.
// Implementations must be safe for concurrent use.
type Store interface {
	// Add durably records a completed checkpoint and prunes the oldest entries
	// beyond the retention policy. Returns ErrDuplicateCheckpoint if the id is
	// already stored.
	Add(ctx context.Context, c *Completed) error

	// Get retrieves a checkpoint by id.
	// Returns ErrNotFound if it was never stored or has been pruned.
	Get(ctx context.Context, id int64) (*Completed, error)

	// Latest returns the checkpoint with the highest id.
	// Returns ErrNotFound if the store is empty.
	Latest(ctx context.Context) (*Completed, error)

	// List returns metadata of all retained checkpoints, ordered by id.
	// Returns empty slice (not error) if the store is empty.
	List(ctx context.Context) ([]Info, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrDuplicateCheckpoint indicates an attempt to complete a checkpoint twice.
	ErrDuplicateCheckpoint = errors.New("checkpoint already completed")
)

// DefaultRetained is the number of periodic checkpoints kept when no
// retention option is given.
const DefaultRetained = 1

// StoreOption configures retention for a Store.
type StoreOption func(*retention)

// WithRetained sets how many of the most recent checkpoints are kept.
// Values below one are treated as one: the latest checkpoint is never pruned.
func WithRetained(n int) StoreOption {
	return func(r *retention) {
		if n < 1 {
			n = 1
		}
		r.retained = n
	}
}

// WithRetainSavepoints keeps savepoints outside the retained count so they are
// never pruned. When false, savepoints age out like periodic checkpoints.
func WithRetainSavepoints(keep bool) StoreOption {
	return func(r *retention) {
		r.keepSavepoints = keep
	}
}

// WithOnSubsumed registers a callback invoked for every pruned checkpoint,
// typically to discard state no longer referenced by any retained checkpoint.
func WithOnSubsumed(fn func(*Completed)) StoreOption {
	return func(r *retention) {
		r.onSubsumed = fn
	}
}

type retention struct {
	retained       int
	keepSavepoints bool
	onSubsumed     func(*Completed)
}

func newRetention(opts []StoreOption) retention {
	r := retention{retained: DefaultRetained, keepSavepoints: true}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// prune picks the ids to drop from a set of stored checkpoints. Entries are
// dropped oldest first; the highest id always survives.
func (r retention) prune(entries []Info) []int64 {
	sorted := make([]Info, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID > sorted[j].ID })

	var drop []int64
	kept := 0
	for i, e := range sorted {
		if i == 0 {
			kept++
			continue
		}
		if e.Kind == KindSavepoint && r.keepSavepoints {
			continue
		}
		if kept < r.retained {
			kept++
			continue
		}
		drop = append(drop, e.ID)
	}
	sort.Slice(drop, func(i, j int) bool { return drop[i] < drop[j] })
	return drop
}

func (r retention) subsumed(dropped []*Completed) {
	if r.onSubsumed == nil {
		return
	}
	for _, c := range dropped {
		r.onSubsumed(c)
	}
}

// Covers reports whether checkpoint id is durably completed, either stored
// itself or subsumed by a later completed checkpoint. Recovering sinks use it
// to decide between committing and aborting a pre-committed transaction.
func Covers(ctx context.Context, s Store, id int64) (bool, error) {
	_, err := s.Get(ctx, id)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	latest, err := s.Latest(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return latest.ID >= id, nil
}

// Oracle adapts a Store to the completion lookup used during sink recovery.
type Oracle struct {
	Store Store
}

// Covers implements the completion lookup.
func (o Oracle) Covers(ctx context.Context, id int64) (bool, error) {
	return Covers(ctx, o.Store, id)
}
