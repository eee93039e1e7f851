package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/cdo/internal/cdo"
	"github.com/roach88/cdo/internal/xfer"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	MaxChunk int
	MaxDepth int
	Recovery string
}

// ChunkRun is the outcome of one chunking in a check.
type ChunkRun struct {
	ChunkWords int    `json:"chunk_words"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	Processed  uint32 `json:"processed"`
	Digest     string `json:"digest"`
	Mismatch   string `json:"mismatch,omitempty"`
}

// CheckResult holds every chunking and whether they agreed.
type CheckResult struct {
	Image     string     `json:"image"`
	Invariant bool       `json:"invariant"`
	Baseline  ChunkRun   `json:"baseline"`
	Runs      []ChunkRun `json:"runs"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check <image>",
		Short: "Verify an image behaves the same for every chunking",
		Long: `Run an image once whole and once for every chunk size from 1 to
--max-chunk words, each on a fresh interpreter and device, and
require identical status, error code, processed count, dispatch
trace, console output and memory.

Exit codes:
  0 - Every chunking agreed
  1 - At least one chunking differed
  2 - Command error (bad image file, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.MaxChunk, "max-chunk", 0, "largest chunk size in words (0 for the image length)")
	cmd.Flags().IntVar(&opts.MaxDepth, "max-depth", cdo.DefaultMaxDepth, "maximum nested stream depth")
	cmd.Flags().StringVar(&opts.Recovery, "recovery", "none", "handler failure policy (none|lockdown)")

	return cmd
}

// checkRun keeps what two chunkings must agree on.
type checkRun struct {
	ChunkRun
	console string
	memory  []xfer.Word
}

func runCheck(opts *CheckOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg := opts.config()
	if !cmd.Flags().Changed("max-depth") {
		opts.MaxDepth = cfg.Stream.MaxDepth
	}
	if !cmd.Flags().Changed("recovery") {
		opts.Recovery = cfg.Stream.Recovery
	}
	recovery, ok := cdo.ParseRecoveryMode(opts.Recovery)
	if !ok {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("unknown recovery mode %q", opts.Recovery))
	}

	img, err := LoadImage(path)
	if err != nil {
		return outputCompileError(formatter, err)
	}

	maxChunk := opts.MaxChunk
	if maxChunk <= 0 || maxChunk > len(img.Words) {
		maxChunk = len(img.Words)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runOnce := func(chunkWords int) (checkRun, error) {
		var console bytes.Buffer
		m, err := newMachine(machineConfig{
			MaxDepth: opts.MaxDepth,
			Recovery: recovery,
			Logger:   opts.logger(),
			Console:  &console,
		})
		if err != nil {
			return checkRun{}, err
		}
		out, err := m.feed(ctx, splitImage(img.Bytes(), chunkWords))
		if err != nil {
			return checkRun{}, err
		}
		return checkRun{
			ChunkRun: ChunkRun{
				ChunkWords: chunkWords,
				Status:     out.Status.String(),
				ErrorCode:  string(cdo.CodeOf(out.Err)),
				Processed:  out.Processed,
				Digest:     out.Digest,
			},
			console: console.String(),
			memory:  m.mem.Snapshot(),
		}, nil
	}

	base, err := runOnce(0)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
	}

	result := CheckResult{Image: path, Invariant: true, Baseline: base.ChunkRun}
	for size := 1; size <= maxChunk; size++ {
		r, err := runOnce(size)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
		}
		r.Mismatch = mismatch(base, r)
		if r.Mismatch != "" {
			result.Invariant = false
		}
		formatter.VerboseLog("chunk=%d status=%s processed=%d %s", size, r.Status, r.Processed, r.Mismatch)
		result.Runs = append(result.Runs, r.ChunkRun)
	}

	code, message := "", ""
	if !result.Invariant {
		code, message = ErrCodeNotInvariant, "chunkings disagree"
	}
	if err := formatter.Emit(result, code, message, func(w io.Writer) {
		writeCheckResult(w, result)
	}); err != nil {
		return err
	}
	if !result.Invariant {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", code, message))
	}
	return nil
}

// mismatch names the first property on which r differs from base.
func mismatch(base, r checkRun) string {
	switch {
	case r.Status != base.Status:
		return fmt.Sprintf("status %s, whole gave %s", r.Status, base.Status)
	case r.ErrorCode != base.ErrorCode:
		return fmt.Sprintf("error code %q, whole gave %q", r.ErrorCode, base.ErrorCode)
	case r.Processed != base.Processed:
		return fmt.Sprintf("processed %d, whole gave %d", r.Processed, base.Processed)
	case r.Digest != base.Digest:
		return "trace differs"
	case r.console != base.console:
		return "console output differs"
	case !slices.Equal(r.memory, base.memory):
		return "memory differs"
	}
	return ""
}

func writeCheckResult(w io.Writer, r CheckResult) {
	fmt.Fprintf(w, "Whole image: %s, processed %d", r.Baseline.Status, r.Baseline.Processed)
	if r.Baseline.ErrorCode != "" {
		fmt.Fprintf(w, " (%s)", r.Baseline.ErrorCode)
	}
	fmt.Fprintln(w)

	failed := 0
	for _, run := range r.Runs {
		if run.Mismatch == "" {
			continue
		}
		failed++
		fmt.Fprintf(w, "✗ chunk=%d: %s\n", run.ChunkWords, run.Mismatch)
	}

	if failed == 0 {
		fmt.Fprintf(w, "✓ %d chunking(s) agree with the whole image\n", len(r.Runs))
		return
	}
	fmt.Fprintf(w, "%d of %d chunking(s) differ\n", failed, len(r.Runs))
}
