package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/flowstream/pkg/flowstream/config"
	fserrors "github.com/randalmurphal/flowstream/pkg/flowstream/errors"
)

// Config controls checkpoint triggering.
type Config struct {
	// JobID is recorded in every completed checkpoint.
	JobID string

	// Interval between periodic checkpoints. Zero disables the scheduler.
	Interval time.Duration

	// Timeout after which a pending checkpoint expires.
	Timeout time.Duration

	// MinPause is the minimum time between two checkpoint triggers.
	// Savepoints ignore it.
	MinPause time.Duration

	// MaxConcurrent bounds the number of pending checkpoints.
	MaxConcurrent int

	// TolerableFailures is the number of consecutive failed checkpoints
	// tolerated before the coordinator fails the job. Negative means
	// unlimited.
	TolerableFailures int

	// Unaligned makes periodic checkpoints skip barrier alignment.
	// Savepoints are always aligned.
	Unaligned bool

	// TriggerRetry is applied to each trigger RPC.
	TriggerRetry fserrors.RetryConfig

	// NotifyRetry is applied to each completion or abort notification.
	NotifyRetry fserrors.RetryConfig
}

// DefaultConfig returns a configuration with a 10s interval and one
// checkpoint in flight.
func DefaultConfig(jobID string) Config {
	return Config{
		JobID:             jobID,
		Interval:          10 * time.Second,
		Timeout:           10 * time.Minute,
		MaxConcurrent:     1,
		TolerableFailures: -1,
		TriggerRetry:      fserrors.DefaultRetry,
		NotifyRetry:       fserrors.DefaultRetry,
	}
}

// ConfigFrom maps loaded settings onto a coordinator configuration.
func ConfigFrom(jobID string, s config.Checkpointing) Config {
	cfg := DefaultConfig(jobID)
	cfg.Interval = s.Interval
	cfg.Timeout = s.Timeout
	cfg.MinPause = s.MinPause
	cfg.MaxConcurrent = s.MaxConcurrent
	cfg.TolerableFailures = s.TolerableFailures
	cfg.Unaligned = s.Unaligned
	return cfg
}

func (c Config) validate() error {
	var errs []error
	if c.JobID == "" {
		errs = append(errs, errors.New("job id must not be empty"))
	}
	if c.Interval < 0 {
		errs = append(errs, fmt.Errorf("interval must not be negative, got %s", c.Interval))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.MinPause < 0 {
		errs = append(errs, fmt.Errorf("min pause must not be negative, got %s", c.MinPause))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max concurrent must be at least 1, got %d", c.MaxConcurrent))
	}
	return errors.Join(errs...)
}
