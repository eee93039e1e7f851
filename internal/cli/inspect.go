package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cdo/internal/cdo"
	"github.com/roach88/cdo/internal/generic"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	MaxPayload int // payload words shown per command in text output
}

// InspectedCommand is one command in an inspection listing.
type InspectedCommand struct {
	Offset  uint32   `json:"offset"`
	CmdID   uint16   `json:"cmd_id"`
	Name    string   `json:"name,omitempty"`
	Long    bool     `json:"long"`
	Len     uint32   `json:"len"`
	Payload []uint32 `json:"payload"`
	Text    string   `json:"text,omitempty"`
}

// InspectResult is the decoded structure of an image.
type InspectResult struct {
	Image     string             `json:"image"`
	Version   uint32             `json:"version"`
	Length    uint32             `json:"length"`
	Checksum  uint32             `json:"checksum"`
	Commands  []InspectedCommand `json:"commands"`
	Processed uint32             `json:"processed"`
	Ended     bool               `json:"ended"`
	Truncated bool               `json:"truncated"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <image>",
		Short: "List the commands of an image",
		Long: `Decode a CDO image without running it.

The header is verified, then every command is listed with its body
offset, command id, registered name and payload. The image may be a
binary or CUE source.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.MaxPayload, "max-payload", 8, "payload words shown per command (0 for all)")

	return cmd
}

func runInspect(opts *InspectOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	img, err := LoadImage(path)
	if err != nil {
		return outputCompileError(formatter, err)
	}

	m, err := newMachine(machineConfig{Logger: opts.logger()})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
	}

	result := InspectResult{Image: path, Commands: []InspectedCommand{}}
	res, walkErr := cdo.Walk(img.Words, func(e cdo.Entry) error {
		ic := InspectedCommand{
			Offset:  e.Offset,
			CmdID:   e.CmdID,
			Name:    m.reg.Name(e.CmdID),
			Long:    e.HeaderLen > 1,
			Len:     e.Len,
			Payload: e.Payload,
		}
		if e.CmdID == uint16(generic.ModuleID)<<8|uint16(generic.APILogString) {
			ic.Text = generic.DecodeText(e.Payload)
		}
		result.Commands = append(result.Commands, ic)
		return nil
	})
	result.Version = res.Header.Version
	result.Length = res.Header.Length
	result.Checksum = res.Header.Checksum
	result.Processed = res.Processed
	result.Ended = res.Ended
	result.Truncated = res.Truncated

	code, message := "", ""
	if walkErr != nil {
		code, message = MapStreamError(walkErr), walkErr.Error()
	}
	if err := formatter.Emit(result, code, message, func(w io.Writer) {
		writeInspect(w, result, opts.MaxPayload)
		if walkErr != nil {
			fmt.Fprintf(w, "\n✗ %s: %s\n", code, message)
		}
	}); err != nil {
		return err
	}
	if walkErr != nil {
		return WrapExitError(ExitFailure, "inspect failed", walkErr)
	}
	return nil
}

func writeInspect(w io.Writer, r InspectResult, maxPayload int) {
	fmt.Fprintf(w, "Image:    %s\n", r.Image)
	fmt.Fprintf(w, "Version:  %#x\n", r.Version)
	fmt.Fprintf(w, "Length:   %d word(s)\n", r.Length)
	fmt.Fprintf(w, "Checksum: %#08x\n\n", r.Checksum)

	for _, c := range r.Commands {
		name := c.Name
		if name == "" {
			name = "?"
		}
		form := ""
		if c.Long {
			form = " long"
		}
		fmt.Fprintf(w, "@%-5d %#06x %-12s len=%d%s", c.Offset, c.CmdID, name, c.Len, form)
		payload := c.Payload
		if maxPayload > 0 && len(payload) > maxPayload {
			payload = payload[:maxPayload]
		}
		for _, v := range payload {
			fmt.Fprintf(w, " %08x", v)
		}
		if len(payload) < len(c.Payload) {
			fmt.Fprint(w, " ...")
		}
		if c.Text != "" {
			fmt.Fprintf(w, " %q", c.Text)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
	switch {
	case r.Truncated:
		fmt.Fprintf(w, "%d command(s), truncated after %d of %d word(s)\n", len(r.Commands), r.Processed, r.Length)
	case r.Ended:
		fmt.Fprintf(w, "%d command(s), END at word %d\n", len(r.Commands), r.Processed)
	default:
		fmt.Fprintf(w, "%d command(s), %d word(s)\n", len(r.Commands), r.Processed)
	}
}
