package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sphinxkit/rrsync/internal/config"
)

// ValidationResult is the output of config check.
type ValidationResult struct {
	Valid  bool        `json:"valid"`
	Errors []Violation `json:"errors,omitempty"`
}

// Violation is one schema error in a configuration file.
type Violation struct {
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with configuration files",
	}
	cmd.AddCommand(newConfigCheckCommand(rootOpts))
	return cmd
}

func newConfigCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a configuration file against the schema",
		Long: `Validate a YAML configuration file without starting the engine.

Every schema violation is reported with its line and column.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(rootOpts, args[0], cmd)
		},
	}
}

func runConfigCheck(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	data, err := os.ReadFile(path)
	if err != nil {
		_ = formatter.Error(CodeConfigRead, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read configuration", err)
	}
	formatter.VerboseLog("Checking %s (%d bytes)", path, len(data))

	errs := config.Validate(path, data)
	if len(errs) == 0 {
		if formatter.Format == "json" {
			return formatter.Success(ValidationResult{Valid: true})
		}
		fmt.Fprintf(formatter.Writer, "✓ %s is valid\n", path)
		return nil
	}

	violations := make([]Violation, 0, len(errs))
	for _, e := range errs {
		violations = append(violations, toViolation(e))
	}

	if formatter.Format == "json" {
		if err := formatter.Success(ValidationResult{Valid: false, Errors: violations}); err != nil {
			return err
		}
	} else {
		for _, v := range violations {
			if v.Line > 0 {
				fmt.Fprintf(formatter.Writer, "%s:%d:%d: %s\n", path, v.Line, v.Column, v.Message)
			} else {
				fmt.Fprintf(formatter.Writer, "%s: %s\n", path, v.Message)
			}
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%s: %d violation(s)", CodeConfigInvalid, len(violations)))
}

func toViolation(err error) Violation {
	var ve *config.ValidationError
	if !errors.As(err, &ve) {
		return Violation{Message: err.Error()}
	}
	v := Violation{Message: ve.Message}
	if ve.Pos.IsValid() {
		v.Line = ve.Pos.Line()
		v.Column = ve.Pos.Column()
	}
	return v
}
