package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/flowstream/pkg/flowstream/config"
)

// ValidationResult is the JSON result of config validate.
type ValidationResult struct {
	Valid    bool             `json:"valid"`
	Errors   []string         `json:"errors,omitempty"`
	Settings *config.Settings `json:"settings,omitempty"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with job settings files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML or JSON settings file",
		Long: `Validate a YAML or JSON settings file.

Missing keys take their default values; every invalid setting is
reported, not just the first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, args[0])
		},
	})

	return cmd
}

func runValidate(cmd *cobra.Command, rootOpts *RootOptions, path string) error {
	f := newFormatter(rootOpts, cmd)

	settings, err := config.Load(path)
	if err != nil {
		_ = f.Error(err.Error(), nil)
		return WrapExitError(ExitCommandError, "load settings", err)
	}
	f.VerboseLog("loaded settings for job %s from %s", settings.Job.ID, path)

	var problems []string
	if err := settings.Validate(); err != nil {
		problems = splitJoined(err)
	}

	if f.JSON() {
		res := ValidationResult{Valid: len(problems) == 0, Errors: problems}
		if res.Valid {
			res.Settings = &settings
		}
		if err := f.Success(res); err != nil {
			return err
		}
	} else if len(problems) == 0 {
		fmt.Fprintf(f.Writer, "✓ %s is valid (job %s)\n", path, settings.Job.ID)
	} else {
		fmt.Fprintf(f.Writer, "✗ %s is invalid\n", path)
		for _, p := range problems {
			fmt.Fprintf(f.Writer, "  %s\n", p)
		}
	}

	if len(problems) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("settings invalid with %d error(s)", len(problems)))
	}
	return nil
}

// splitJoined flattens an errors.Join result into its messages.
func splitJoined(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
