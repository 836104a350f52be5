package config

import (
	"errors"
	"fmt"
	"time"

	fserrors "github.com/randalmurphal/flowstream/pkg/flowstream/errors"
)

// Store and state backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBlob   = "blob"
)

// Settings is the typed configuration of a job.
type Settings struct {
	Job           Job
	Checkpointing Checkpointing
	Store         Store
	State         State
	Sink          Sink
	Restart       Restart
}

// Job identifies the job.
type Job struct {
	ID string
}

// Checkpointing configures the coordinator and the aligners.
type Checkpointing struct {
	// Interval between periodic checkpoints. Zero disables periodic
	// triggering; checkpoints and savepoints can still be triggered manually.
	Interval time.Duration
	Timeout  time.Duration
	MinPause time.Duration

	MaxConcurrent int

	// TolerableFailures is the number of consecutive failed checkpoints
	// the job survives. Negative means unlimited.
	TolerableFailures int

	Unaligned bool

	// MaxBuffered bounds the elements one task holds back during a single
	// alignment. Zero means unbounded.
	MaxBuffered int

	// Retained is the number of most recent completed checkpoints kept
	// in the store.
	Retained int

	// RetainSavepoints keeps savepoints out of retention pruning.
	RetainSavepoints bool
}

// Store selects the completed checkpoint store.
type Store struct {
	Backend string
	Path    string
}

// State selects the snapshot state backend.
type State struct {
	Backend string
	// URL is a gocloud blob URL such as "file:///var/lib/flowstream" or "mem://".
	URL    string
	Prefix string
}

// Sink configures transactional sinks.
type Sink struct {
	CommitMaxElapsed     time.Duration
	CommitInitialBackoff time.Duration
	CommitMaxBackoff     time.Duration

	// TransactionTimeout is the external system's transaction timeout;
	// sinks warn when a transaction approaches it. Zero disables the check.
	TransactionTimeout time.Duration
}

// Restart bounds job recovery.
type Restart struct {
	MaxRestarts int
	Delay       time.Duration
}

// Defaults returns the settings used for missing keys.
func Defaults() Settings {
	return Settings{
		Job: Job{ID: "flowstream-job"},
		Checkpointing: Checkpointing{
			Interval:          10 * time.Second,
			Timeout:           10 * time.Minute,
			MaxConcurrent:     1,
			TolerableFailures: -1,
			Retained:          1,
			RetainSavepoints:  true,
		},
		Store: Store{Backend: BackendMemory},
		State: State{Backend: BackendMemory},
		Sink: Sink{
			CommitMaxElapsed:     fserrors.CommitRetry.MaxElapsed,
			CommitInitialBackoff: fserrors.CommitRetry.InitialBackoff,
			CommitMaxBackoff:     fserrors.CommitRetry.MaxBackoff,
		},
		Restart: Restart{MaxRestarts: 3, Delay: time.Second},
	}
}

// Parse reads settings from cfg, using Defaults for missing keys.
func Parse(cfg Config) Settings {
	s := Defaults()

	job := cfg.Section("job")
	s.Job.ID = job.String("id", s.Job.ID)

	cp := cfg.Section("checkpointing")
	s.Checkpointing.Interval = cp.Duration("interval", s.Checkpointing.Interval)
	s.Checkpointing.Timeout = cp.Duration("timeout", s.Checkpointing.Timeout)
	s.Checkpointing.MinPause = cp.Duration("min_pause", s.Checkpointing.MinPause)
	s.Checkpointing.MaxConcurrent = cp.Int("max_concurrent", s.Checkpointing.MaxConcurrent)
	s.Checkpointing.TolerableFailures = cp.Int("tolerable_failures", s.Checkpointing.TolerableFailures)
	s.Checkpointing.Unaligned = cp.Bool("unaligned", s.Checkpointing.Unaligned)
	s.Checkpointing.MaxBuffered = cp.Int("max_buffered", s.Checkpointing.MaxBuffered)
	s.Checkpointing.Retained = cp.Int("retained", s.Checkpointing.Retained)
	s.Checkpointing.RetainSavepoints = cp.Bool("retain_savepoints", s.Checkpointing.RetainSavepoints)

	store := cfg.Section("store")
	s.Store.Backend = store.String("backend", s.Store.Backend)
	s.Store.Path = store.String("path", s.Store.Path)

	state := cfg.Section("state")
	s.State.Backend = state.String("backend", s.State.Backend)
	s.State.URL = state.String("url", s.State.URL)
	s.State.Prefix = state.String("prefix", s.State.Prefix)

	sink := cfg.Section("sink")
	s.Sink.CommitMaxElapsed = sink.Duration("commit_max_elapsed", s.Sink.CommitMaxElapsed)
	s.Sink.CommitInitialBackoff = sink.Duration("commit_initial_backoff", s.Sink.CommitInitialBackoff)
	s.Sink.CommitMaxBackoff = sink.Duration("commit_max_backoff", s.Sink.CommitMaxBackoff)
	s.Sink.TransactionTimeout = sink.Duration("transaction_timeout", s.Sink.TransactionTimeout)

	restart := cfg.Section("restart")
	s.Restart.MaxRestarts = restart.Int("max_restarts", s.Restart.MaxRestarts)
	s.Restart.Delay = restart.Duration("delay", s.Restart.Delay)

	return s
}

// Validate reports every invalid setting.
func (s Settings) Validate() error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: "+format, append([]any{key}, args...)...))
	}

	if s.Job.ID == "" {
		bad("job.id", "must not be empty")
	}

	cp := s.Checkpointing
	if cp.Interval < 0 {
		bad("checkpointing.interval", "must not be negative, got %s", cp.Interval)
	}
	if cp.Timeout <= 0 {
		bad("checkpointing.timeout", "must be positive, got %s", cp.Timeout)
	}
	if cp.MinPause < 0 {
		bad("checkpointing.min_pause", "must not be negative, got %s", cp.MinPause)
	}
	if cp.MaxConcurrent < 1 {
		bad("checkpointing.max_concurrent", "must be at least 1, got %d", cp.MaxConcurrent)
	}
	if cp.MaxBuffered < 0 {
		bad("checkpointing.max_buffered", "must not be negative, got %d", cp.MaxBuffered)
	}
	if cp.Retained < 1 {
		bad("checkpointing.retained", "must be at least 1, got %d", cp.Retained)
	}

	switch s.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if s.Store.Path == "" {
			bad("store.path", "required for the sqlite store")
		}
	default:
		bad("store.backend", "unknown backend %q (want memory or sqlite)", s.Store.Backend)
	}

	switch s.State.Backend {
	case BackendMemory:
	case BackendBlob:
		if s.State.URL == "" {
			bad("state.url", "required for the blob backend")
		}
	default:
		bad("state.backend", "unknown backend %q (want memory or blob)", s.State.Backend)
	}

	if s.Sink.CommitMaxElapsed <= 0 {
		bad("sink.commit_max_elapsed", "must be positive, got %s", s.Sink.CommitMaxElapsed)
	}
	if s.Sink.CommitInitialBackoff <= 0 {
		bad("sink.commit_initial_backoff", "must be positive, got %s", s.Sink.CommitInitialBackoff)
	}
	if s.Sink.CommitMaxBackoff < s.Sink.CommitInitialBackoff {
		bad("sink.commit_max_backoff", "must be at least commit_initial_backoff")
	}
	if s.Sink.TransactionTimeout < 0 {
		bad("sink.transaction_timeout", "must not be negative, got %s", s.Sink.TransactionTimeout)
	}

	if s.Restart.MaxRestarts < 0 {
		bad("restart.max_restarts", "must not be negative, got %d", s.Restart.MaxRestarts)
	}
	if s.Restart.Delay < 0 {
		bad("restart.delay", "must not be negative, got %s", s.Restart.Delay)
	}

	return errors.Join(errs...)
}

// CommitRetry returns the sink commit retry policy.
func (s Sink) CommitRetry() fserrors.RetryConfig {
	cfg := fserrors.CommitRetry
	cfg.MaxElapsed = s.CommitMaxElapsed
	cfg.InitialBackoff = s.CommitInitialBackoff
	cfg.MaxBackoff = s.CommitMaxBackoff
	return cfg
}
