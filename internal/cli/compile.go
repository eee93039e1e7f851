package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cdo/internal/cdo"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult describes a compiled image.
type CompilationResult struct {
	Source   string   `json:"source"`
	Output   string   `json:"output,omitempty"`
	Version  uint32   `json:"version"`
	Length   uint32   `json:"length"`
	Commands int      `json:"commands"`
	Ended    bool     `json:"ended"`
	Words    []uint32 `json:"words,omitempty"` // only when not written to a file
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <source.cue>",
		Short: "Compile CUE source to a CDO image",
		Long: `Compile a CUE command list to a binary CDO image.

The image gets a checksummed header, short or long form commands as
their payloads require, and an END marker when the source sets end: true.
Without --output the image words are printed.

Examples:
  cdo compile boot.cue -o boot.cdo
  cdo compile boot.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, source string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	data, err := os.ReadFile(source)
	if err != nil {
		if os.IsNotExist(err) {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("file not found: %s", source))
		}
		return formatter.Fail(ExitCommandError, ErrCodeReadFailed, err.Error())
	}

	prog, err := compileSource(source, data)
	if err != nil {
		return outputCompileError(formatter, err)
	}
	words := prog.Words()

	res, err := cdo.Walk(words, func(cdo.Entry) error { return nil })
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("compiled image does not walk: %v", err))
	}
	formatter.VerboseLog("Compiled %s: %d word(s), %d command(s)", source, len(words), res.Commands)

	result := CompilationResult{
		Source:   source,
		Output:   opts.Output,
		Version:  prog.Version,
		Length:   res.Header.Length,
		Commands: res.Commands,
		Ended:    res.Ended,
	}

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, prog.Encode(), 0o644); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
	} else {
		result.Words = words
	}

	return formatter.Emit(result, "", "", func(w io.Writer) {
		fmt.Fprintf(w, "✓ Compiled %s: %d command(s), %d body word(s)\n", source, result.Commands, result.Length)
		if result.Output != "" {
			fmt.Fprintf(w, "Wrote image to %s\n", result.Output)
			return
		}
		fmt.Fprintln(w)
		writeWords(w, words)
	})
}

// outputCompileError outputs a compilation error with its source position.
func outputCompileError(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
	}

	if formatter.Format == "json" {
		details := map[string]any{}
		if loadErr.Pos.IsValid() {
			details["file"] = loadErr.Pos.Filename()
			details["line"] = loadErr.Pos.Line()
			details["column"] = loadErr.Pos.Column()
		}
		_ = formatter.Error(loadErr.Code, loadErr.Message, details)
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
		fmt.Fprintln(formatter.Writer)
		if loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", loadErr.Code, loadErr.Message)
	}
	// Compilation errors are command-level errors (exit code 2)
	return WrapExitError(ExitCommandError, "compilation failed", loadErr)
}

// writeWords prints words four to a line with their word index.
func writeWords(w io.Writer, words []uint32) {
	for i := 0; i < len(words); i += 4 {
		fmt.Fprintf(w, "%04d:", i)
		for _, v := range words[i:min(i+4, len(words))] {
			fmt.Fprintf(w, " %08x", v)
		}
		fmt.Fprintln(w)
	}
}
