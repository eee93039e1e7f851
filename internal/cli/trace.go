package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/cdo/internal/store"
	"github.com/roach88/cdo/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Limit    int
	Command  string // optional - filter to a command name or id
	Export   string // optional - write the session as CBOR
}

// SessionTrace is a stored session with its dispatches.
type SessionTrace struct {
	Session     store.Session        `json:"session"`
	Dispatches  []trace.Event        `json:"dispatches"`
	Commands    []store.CommandCount `json:"commands"`
	DigestValid bool                 `json:"digest_valid"`
	Export      string               `json:"export,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace [session]",
		Short: "Show recorded sessions and their dispatches",
		Long: `Query the session database written by run.

Without a session id, lists the most recent sessions. With one, shows
the session outcome and every dispatch in completion order, and checks
the stored digest against the stored dispatches.

Examples:
  cdo trace --db ./cdo.db
  cdo trace --db ./cdo.db 0190c5f0-... --cmd write
  cdo trace --db ./cdo.db 0190c5f0-... --export run.cbor`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("db") {
				opts.Database = opts.config().DatabasePath()
			}
			if len(args) == 0 {
				return runListSessions(opts, cmd)
			}
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite session database")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "sessions listed (0 for all)")
	cmd.Flags().StringVar(&opts.Command, "cmd", "", "filter to a command name or id")
	cmd.Flags().StringVar(&opts.Export, "export", "", "write the session trace as CBOR to this file")

	return cmd
}

func openStore(formatter *OutputFormatter, path string) (*store.Store, error) {
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("database not found: %s", path))
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeStoreFailed, fmt.Sprintf("failed to open database: %v", err))
	}
	return st, nil
}

func runListSessions(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, err := openStore(formatter, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(context.Background(), opts.Limit)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStoreFailed, err.Error())
	}

	return formatter.Emit(sessions, "", "", func(w io.Writer) {
		if len(sessions) == 0 {
			fmt.Fprintln(w, "No sessions recorded.")
			return
		}
		for _, s := range sessions {
			fmt.Fprintf(w, "%4d  %s  %-9s %5d/%-5d %s", s.Seq, s.ID, s.Status, s.Processed, s.Declared, s.Source)
			if s.ErrorCode != "" {
				fmt.Fprintf(w, "  %s", s.ErrorCode)
			}
			fmt.Fprintln(w)
		}
	})
}

func runTrace(opts *TraceOptions, id string, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := opts.formatter(cmd)

	st, err := openStore(formatter, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("session not found: %s", id))
	}
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStoreFailed, err.Error())
	}

	events, err := st.ReadDispatches(ctx, id)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStoreFailed, err.Error())
	}

	counts, err := st.CountCommands(ctx, id)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStoreFailed, err.Error())
	}

	doc, err := trace.NewDocument(id, events)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
	}
	result := SessionTrace{
		Session:     sess,
		Dispatches:  filterEvents(events, opts.Command),
		Commands:    counts,
		DigestValid: sess.Digest == "" || sess.Digest == doc.Digest,
	}

	if opts.Export != "" {
		data, err := trace.MarshalCBOR(doc)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
		}
		if err := os.WriteFile(opts.Export, data, 0o644); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing export: %v", err))
		}
		result.Export = opts.Export
	}

	code, message := "", ""
	if !result.DigestValid {
		code, message = ErrCodeStoreFailed, "stored digest does not match stored dispatches"
	}
	if err := formatter.Emit(result, code, message, func(w io.Writer) {
		writeSessionTrace(w, result)
	}); err != nil {
		return err
	}
	if code != "" {
		return NewExitError(ExitFailure, message)
	}
	return nil
}

// filterEvents keeps events whose name or id matches ref.
func filterEvents(events []trace.Event, ref string) []trace.Event {
	if ref == "" {
		return events
	}
	id, numeric := parseCommandID(ref)
	out := []trace.Event{}
	for _, e := range events {
		if e.Name == ref || (numeric && e.CmdID == id) {
			out = append(out, e)
		}
	}
	return out
}

func parseCommandID(ref string) (uint16, bool) {
	n, err := strconv.ParseUint(ref, 0, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

func writeSessionTrace(w io.Writer, r SessionTrace) {
	s := r.Session
	fmt.Fprintf(w, "Session:  %s\n", s.ID)
	fmt.Fprintf(w, "Source:   %s (sha256 %s)\n", s.Source, truncateHash(s.ImageSHA256))
	fmt.Fprintf(w, "Recovery: %s, chunk %d word(s)\n", s.Recovery, s.ChunkWords)
	fmt.Fprintf(w, "Status:   %s, %d of %d word(s)\n", s.Status, s.Processed, s.Declared)
	if s.ErrorCode != "" {
		fmt.Fprintf(w, "Error:    %s: %s\n", s.ErrorCode, s.Error)
	}
	fmt.Fprintln(w)

	for _, e := range r.Dispatches {
		fmt.Fprintln(w, e.String())
	}
	fmt.Fprintf(w, "\n%d dispatch(es)\n", len(r.Dispatches))
	for _, c := range r.Commands {
		fmt.Fprintf(w, "  0x%04X %-12s %d", c.CmdID, c.Name, c.Count)
		if c.Failures > 0 {
			fmt.Fprintf(w, " (%d failed)", c.Failures)
		}
		fmt.Fprintln(w)
	}

	if r.DigestValid {
		fmt.Fprintf(w, "✓ digest %s\n", truncateHash(s.Digest))
	} else {
		fmt.Fprintln(w, "✗ digest does not match the stored dispatches")
	}
	if r.Export != "" {
		fmt.Fprintf(w, "Exported to %s\n", r.Export)
	}
}

// truncateHash shortens a hex digest for display.
func truncateHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
