package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cdo/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Image  string                     `json:"image"`
	Valid  bool                       `json:"valid"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <image>",
		Short: "Check an image without running it",
		Long: `Statically check a CDO image.

Verifies the header, that every command fits the declared length,
that every command id has a handler, generic payload arities, and
that begin/end blocks pair up and breaks stay inside open blocks.
Faster than run for development feedback, and touches no device.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	img, err := LoadImage(path)
	if err != nil {
		return outputCompileError(formatter, err)
	}
	formatter.VerboseLog("Loaded %s: %d word(s)", path, len(img.Words))

	m, err := newMachine(machineConfig{Logger: opts.logger()})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
	}

	errs := compiler.Validate(img.Words, m.reg)
	if len(errs) > 0 {
		return outputValidationErrors(formatter, path, errs)
	}

	return formatter.Emit(ValidationResult{Image: path, Valid: true}, "", "", func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid\n", path)
	})
}

// outputValidationErrors outputs every validation error.
func outputValidationErrors(formatter *OutputFormatter, path string, errs []compiler.ValidationError) error {
	result := ValidationResult{Image: path, Valid: false, Errors: errs}
	if err := formatter.Emit(result, errs[0].Code, errs[0].Message, func(w io.Writer) {
		fmt.Fprintln(w, "✗ Validation failed")
		fmt.Fprintln(w)
		for _, e := range errs {
			fmt.Fprintf(w, "  %s\n", e.Error())
		}
	}); err != nil {
		return err
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
