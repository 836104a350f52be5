package sink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownTransaction indicates a handle the external system never issued
// (or already discarded).
var ErrUnknownTransaction = errors.New("unknown transaction")

// MemoryTransactor simulates a transactional external system in memory.
// It outlives sink instances, so a restarted task can resolve transactions
// its previous attempt pre-committed. Commits are deduplicated by
// transaction id.
type MemoryTransactor[IN any] struct {
	mu           sync.Mutex
	staged       map[string][]IN
	preCommitted map[string]bool
	committed    map[string]bool
	aborted      map[string]bool
	visible      []IN

	commitCalls   int
	recovered     int
	failCommits   int
	failPrecommit int
	commitErr     error
}

// NewMemoryTransactor creates an empty in-memory external system.
func NewMemoryTransactor[IN any]() *MemoryTransactor[IN] {
	return &MemoryTransactor[IN]{
		staged:       make(map[string][]IN),
		preCommitted: make(map[string]bool),
		committed:    make(map[string]bool),
		aborted:      make(map[string]bool),
	}
}

// Begin implements Transactor.
func (m *MemoryTransactor[IN]) Begin(_ context.Context, txnID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.staged[txnID]; ok || m.committed[txnID] {
		return "", fmt.Errorf("transaction %s already exists", txnID)
	}
	m.staged[txnID] = nil
	return txnID, nil
}

// Write implements Transactor.
func (m *MemoryTransactor[IN]) Write(_ context.Context, txn string, value IN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.staged[txn]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txn)
	}
	if m.preCommitted[txn] {
		return fmt.Errorf("transaction %s is pre-committed", txn)
	}
	m.staged[txn] = append(m.staged[txn], value)
	return nil
}

// PreCommit implements Transactor.
func (m *MemoryTransactor[IN]) PreCommit(_ context.Context, txn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPrecommit > 0 {
		m.failPrecommit--
		return errors.New("injected pre-commit failure")
	}
	if _, ok := m.staged[txn]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txn)
	}
	m.preCommitted[txn] = true
	return nil
}

// Commit implements Transactor. Committing twice is a no-op.
func (m *MemoryTransactor[IN]) Commit(_ context.Context, txn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(txn)
}

// Abort implements Transactor.
func (m *MemoryTransactor[IN]) Abort(_ context.Context, txn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.committed[txn] {
		return fmt.Errorf("transaction %s already committed", txn)
	}
	delete(m.staged, txn)
	delete(m.preCommitted, txn)
	m.aborted[txn] = true
	return nil
}

// RecoverAndCommit implements Recoverer.
func (m *MemoryTransactor[IN]) RecoverAndCommit(_ context.Context, txn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.commitLocked(txn); err != nil {
		return err
	}
	m.recovered++
	return nil
}

// RecoverAndAbort implements Recoverer.
func (m *MemoryTransactor[IN]) RecoverAndAbort(ctx context.Context, txn string) error {
	return m.Abort(ctx, txn)
}

// Fence implements Fencer.
func (m *MemoryTransactor[IN]) Fence(_ context.Context, prefix string, keep []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for txn := range m.staged {
		if !strings.HasPrefix(txn, prefix) || slices.Contains(keep, txn) {
			continue
		}
		delete(m.staged, txn)
		delete(m.preCommitted, txn)
		m.aborted[txn] = true
		n++
	}
	return n, nil
}

func (m *MemoryTransactor[IN]) commitLocked(txn string) error {
	m.commitCalls++
	if m.failCommits != 0 {
		if m.failCommits > 0 {
			m.failCommits--
		}
		err := m.commitErr
		if err == nil {
			err = errors.New("injected commit failure")
		}
		return err
	}
	if m.committed[txn] {
		return nil
	}
	values, ok := m.staged[txn]
	if !ok || !m.preCommitted[txn] {
		return fmt.Errorf("%w: %s is not pre-committed", ErrUnknownTransaction, txn)
	}
	m.visible = append(m.visible, values...)
	m.committed[txn] = true
	delete(m.staged, txn)
	delete(m.preCommitted, txn)
	return nil
}

// FailCommits makes the next n commits fail with err (nil for a generic
// error). A negative n fails every commit until FailCommits(0, nil).
func (m *MemoryTransactor[IN]) FailCommits(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCommits = n
	m.commitErr = err
}

// FailPreCommits makes the next n pre-commits fail.
func (m *MemoryTransactor[IN]) FailPreCommits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPrecommit = n
}

// Visible returns the committed output in commit order.
func (m *MemoryTransactor[IN]) Visible() []IN {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IN, len(m.visible))
	copy(out, m.visible)
	return out
}

// Committed reports whether txn was committed.
func (m *MemoryTransactor[IN]) Committed(txn string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed[txn]
}

// Aborted reports whether txn was aborted.
func (m *MemoryTransactor[IN]) Aborted(txn string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted[txn]
}

// CommitCalls returns how many commit calls reached the system.
func (m *MemoryTransactor[IN]) CommitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitCalls
}

// Recovered returns how many transactions were committed during recovery.
func (m *MemoryTransactor[IN]) Recovered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovered
}

// Open returns the number of transactions neither committed nor aborted.
func (m *MemoryTransactor[IN]) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged)
}

var (
	_ Transactor[int, string] = (*MemoryTransactor[int])(nil)
	_ Recoverer[string]       = (*MemoryTransactor[int])(nil)
	_ Fencer                  = (*MemoryTransactor[int])(nil)
)
