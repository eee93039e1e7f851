package cli

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/cdo/internal/cdo"
	"github.com/roach88/cdo/internal/store"
	"github.com/roach88/cdo/internal/trace"
	"github.com/roach88/cdo/internal/xfer"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ChunkWords int
	MaxDepth   int
	Recovery   string
	Database   string
	NoStore    bool
	ShowTrace  bool

	// Sessions allows overriding the session id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	Sessions trace.IDGenerator
}

// RunResult is the outcome of running an image.
type RunResult struct {
	Session    string        `json:"session,omitempty"`
	Image      string        `json:"image"`
	Status     string        `json:"status"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Processed  uint32        `json:"processed"`
	Declared   uint32        `json:"declared"`
	Chunks     int           `json:"chunks"`
	Failures   int           `json:"failures,omitempty"`
	Dispatches int           `json:"dispatches"`
	Digest     string        `json:"digest"`
	Console    string        `json:"console,omitempty"`
	Memory     []xfer.Word   `json:"memory"`
	Trace      []trace.Event `json:"trace,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Interpret an image against a simulated device",
		Long: `Run a CDO image through the interpreter.

The image is fed in chunks of --chunk words (0 feeds it whole) to a
fresh interpreter backed by simulated memory. Every dispatch is
recorded, and unless --no-store is given the run is stored as a
session in the database for the trace command.

Flags override the [stream] and [store] values of cdo.toml.

Example:
  cdo run boot.cdo --chunk 16
  cdo run boot.cue --recovery lockdown --db ./runs.db --trace`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImage(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.ChunkWords, "chunk", 0, "chunk size in words (0 for the whole image)")
	cmd.Flags().IntVar(&opts.MaxDepth, "max-depth", cdo.DefaultMaxDepth, "maximum nested stream depth")
	cmd.Flags().StringVar(&opts.Recovery, "recovery", "none", "handler failure policy (none|lockdown)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite session database")
	cmd.Flags().BoolVar(&opts.NoStore, "no-store", false, "do not record the run")
	cmd.Flags().BoolVar(&opts.ShowTrace, "trace", false, "print every dispatch")

	return cmd
}

// applyConfig fills flags the user did not set from cdo.toml.
func (o *RunOptions) applyConfig(cmd *cobra.Command) {
	cfg := o.config()
	if !cmd.Flags().Changed("chunk") {
		o.ChunkWords = cfg.Stream.ChunkWords
	}
	if !cmd.Flags().Changed("max-depth") {
		o.MaxDepth = cfg.Stream.MaxDepth
	}
	if !cmd.Flags().Changed("recovery") {
		o.Recovery = cfg.Stream.Recovery
	}
	if !cmd.Flags().Changed("db") {
		o.Database = cfg.DatabasePath()
	}
}

func runImage(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	opts.applyConfig(cmd)
	logger := opts.logger()

	recovery, ok := cdo.ParseRecoveryMode(opts.Recovery)
	if !ok {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("unknown recovery mode %q", opts.Recovery))
	}
	if opts.ChunkWords < 0 {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "chunk size must be non-negative")
	}

	img, err := LoadImage(path)
	if err != nil {
		return outputCompileError(formatter, err)
	}

	// Setup signal handling so a long mask_poll or delay can be interrupted.
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var console bytes.Buffer
	m, err := newMachine(machineConfig{
		MaxDepth: opts.MaxDepth,
		Recovery: recovery,
		Logger:   logger,
		Console:  &console,
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
	}

	chunks := splitImage(img.Bytes(), opts.ChunkWords)
	logger.Info("stream starting", "image", path, "words", len(img.Words), "chunks", len(chunks), "recovery", recovery)
	out, err := m.feed(ctx, chunks)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
	}
	logger.Info("stream finished", "status", out.Status, "processed", out.Processed, "dispatches", len(out.Events))

	result := RunResult{
		Image:      path,
		Status:     out.Status.String(),
		ErrorCode:  string(cdo.CodeOf(out.Err)),
		Processed:  out.Processed,
		Declared:   out.Declared,
		Chunks:     out.Chunks,
		Failures:   out.Failures,
		Dispatches: len(out.Events),
		Digest:     out.Digest,
		Console:    console.String(),
		Memory:     m.mem.Snapshot(),
	}
	if out.Err != nil {
		result.Error = out.Err.Error()
	}
	if opts.ShowTrace {
		result.Trace = out.Events
	}

	if !opts.NoStore {
		gen := opts.Sessions
		if gen == nil {
			gen = trace.UUIDv7Generator{}
		}
		result.Session = gen.Generate()
		if err := recordSession(ctx, opts.Database, result.Session, img, opts.ChunkWords, recovery, out); err != nil {
			logger.Error("failed to record session", "db", opts.Database, "error", err)
			return formatter.Fail(ExitCommandError, ErrCodeStoreFailed, err.Error())
		}
		logger.Debug("session recorded", "session", result.Session, "db", opts.Database)
	}

	code, message := runErrorCode(out)
	if err := formatter.Emit(result, code, message, func(w io.Writer) {
		writeRunResult(w, result)
	}); err != nil {
		return err
	}
	if code != "" {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", code, message))
	}
	return nil
}

// runErrorCode maps an outcome to a CLI error code; empty when the stream
// completed cleanly.
func runErrorCode(out outcome) (string, string) {
	switch {
	case out.Err != nil:
		return MapStreamError(out.Err), out.Err.Error()
	case out.Status == cdo.StatusNeedData:
		return ErrCodeNeedData, fmt.Sprintf("input ended after %d of %d word(s)", out.Processed, out.Declared)
	case out.Failures > 0:
		return ErrCodeHandler, fmt.Sprintf("%d handler failure(s) recorded under lockdown", out.Failures)
	}
	return "", ""
}

// recordSession stores one run with its dispatches.
func recordSession(ctx context.Context, dbPath, id string, img *Image, chunkWords int, recovery cdo.RecoveryMode, out outcome) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	last, err := st.ListSessions(ctx, 1)
	if err != nil {
		return err
	}
	seq := int64(1)
	if len(last) > 0 {
		seq = last[0].Seq + 1
	}

	sum := sha256.Sum256(img.Bytes())
	if err := st.CreateSession(ctx, store.Session{
		ID:          id,
		Source:      img.Path,
		ImageSHA256: hex.EncodeToString(sum[:]),
		Declared:    out.Declared,
		ChunkWords:  chunkWords,
		Recovery:    recovery.String(),
		Seq:         seq,
	}); err != nil {
		return err
	}
	if err := st.WriteDispatches(ctx, id, out.Events); err != nil {
		return err
	}

	outcome := store.Outcome{
		Status:    sessionStatus(out.Status),
		Processed: out.Processed,
		ErrorCode: string(cdo.CodeOf(out.Err)),
		Digest:    out.Digest,
	}
	if out.Err != nil {
		outcome.Error = out.Err.Error()
	}
	return st.FinishSession(ctx, id, outcome)
}

// sessionStatus maps a stream status to a stored session status. A stream
// still waiting for data when input ran out stays "running".
func sessionStatus(s cdo.Status) string {
	switch s {
	case cdo.StatusDone:
		return store.StatusDone
	case cdo.StatusFailed:
		return store.StatusFailed
	default:
		return store.StatusRunning
	}
}

func writeRunResult(w io.Writer, r RunResult) {
	for _, e := range r.Trace {
		fmt.Fprintln(w, e.String())
	}
	if len(r.Trace) > 0 {
		fmt.Fprintln(w)
	}
	if r.Console != "" {
		fmt.Fprint(w, r.Console)
		fmt.Fprintln(w)
	}

	mark := "✓"
	if r.ErrorCode != "" || r.Failures > 0 || r.Status != cdo.StatusDone.String() {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s: %s, %d of %d word(s), %d dispatch(es) in %d chunk(s)\n",
		mark, r.Image, r.Status, r.Processed, r.Declared, r.Dispatches, r.Chunks)
	if r.Error != "" {
		fmt.Fprintf(w, "  %s\n", r.Error)
	}
	if r.Failures > 0 {
		fmt.Fprintf(w, "  %d handler failure(s) recorded\n", r.Failures)
	}
	if len(r.Memory) > 0 {
		fmt.Fprintln(w, "Memory:")
		for _, word := range r.Memory {
			fmt.Fprintf(w, "  %#010x = %#010x\n", word.Addr, word.Value)
		}
	}
	fmt.Fprintf(w, "Digest: %s\n", r.Digest)
	if r.Session != "" {
		fmt.Fprintf(w, "Session: %s\n", r.Session)
	}
}
