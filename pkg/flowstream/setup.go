package flowstream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	"github.com/randalmurphal/flowstream/pkg/flowstream/config"
	"github.com/randalmurphal/flowstream/pkg/flowstream/coordinator"
	"github.com/randalmurphal/flowstream/pkg/flowstream/sink"
	"github.com/randalmurphal/flowstream/pkg/flowstream/state"
)

// Resources are the checkpoint store, id counter and state backend
// selected by settings.
type Resources struct {
	Settings config.Settings
	Store    checkpoint.Store
	Counter  checkpoint.IDCounter
	Backend  state.Backend
}

// Open validates s and opens the resources it selects. Snapshots of
// checkpoints pruned from the store are discarded from the backend.
// Close the resources when the job is done.
func Open(ctx context.Context, s config.Settings, logger *slog.Logger) (*Resources, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var backend state.Backend
	switch s.State.Backend {
	case config.BackendBlob:
		b, err := state.OpenBlobBackend(ctx, s.State.URL, s.State.Prefix)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		backend = state.NewMemoryBackend()
	}

	opts := []checkpoint.StoreOption{
		checkpoint.WithRetained(s.Checkpointing.Retained),
		checkpoint.WithRetainSavepoints(s.Checkpointing.RetainSavepoints),
		checkpoint.WithOnSubsumed(func(c *checkpoint.Completed) {
			state.DiscardCompleted(context.Background(), backend, logger, c)
		}),
	}

	r := &Resources{Settings: s, Backend: backend}
	switch s.Store.Backend {
	case config.BackendSQLite:
		store, err := checkpoint.NewSQLiteStore(s.Store.Path, s.Job.ID, opts...)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		r.Store, r.Counter = store, store.IDCounter()
	default:
		r.Store, r.Counter = checkpoint.NewMemoryStore(opts...), checkpoint.NewMemoryIDCounter(0)
	}

	logger.Debug("opened job resources",
		slog.String("job_id", s.Job.ID),
		slog.String("store", s.Store.Backend),
		slog.String("state", backend.Name()),
	)
	return r, nil
}

// JobOptions configures a job with the resources and settings.
func (r *Resources) JobOptions() []JobOption {
	s := r.Settings
	return []JobOption{
		WithJobID(s.Job.ID),
		WithCheckpointing(coordinator.ConfigFrom(s.Job.ID, s.Checkpointing)),
		WithStore(r.Store),
		WithIDCounter(r.Counter),
		WithStateBackend(r.Backend),
		WithRestartStrategy(s.Restart.MaxRestarts, s.Restart.Delay),
		WithMaxBuffered(s.Checkpointing.MaxBuffered),
	}
}

// SinkOptions configures transactional sinks with the sink settings.
func (r *Resources) SinkOptions() []sink.Option {
	opts := []sink.Option{sink.WithCommitRetry(r.Settings.Sink.CommitRetry())}
	if t := r.Settings.Sink.TransactionTimeout; t > 0 {
		opts = append(opts, sink.WithTransactionTimeout(t, 0.8))
	}
	return opts
}

// Close closes the store and the state backend.
func (r *Resources) Close() error {
	var result *multierror.Error
	if err := r.Store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close checkpoint store: %w", err))
	}
	if err := r.Backend.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close state backend: %w", err))
	}
	return result.ErrorOrNil()
}
