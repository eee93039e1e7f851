package module

import (
	"context"
	"fmt"

	"github.com/roach88/cdo/internal/cdo"
)

// MaxBuffered is the largest payload Buffered will gather.
const MaxBuffered = cdo.MaxShortPayload

// Buffered wraps a fixed-arity handler so it always sees its whole payload.
//
// Slices delivered before the payload is complete are gathered in
// cmd.State; fn runs once, on the call that delivers the last word, with
// cmd.Payload holding the full payload and cmd.ProcessedLen set to 0.
func Buffered(fn HandlerFunc) cdo.Handler {
	return buffered{fn: fn}
}

type buffered struct {
	fn HandlerFunc
}

func (b buffered) Execute(ctx context.Context, cmd *cdo.Command) error {
	if cmd.Final() {
		return b.fn(ctx, cmd)
	}
	if cmd.Len > MaxBuffered {
		return fmt.Errorf("payload of %d words exceeds %d buffered words", cmd.Len, MaxBuffered)
	}
	cmd.State = append([]uint32(nil), cmd.Payload...)
	return nil
}

func (b buffered) Resume(ctx context.Context, cmd *cdo.Command) error {
	gathered, _ := cmd.State.([]uint32)
	gathered = append(gathered, cmd.Payload...)
	if !cmd.Final() {
		cmd.State = gathered
		return nil
	}
	cmd.State = nil

	payload, processed := cmd.Payload, cmd.ProcessedLen
	cmd.Payload, cmd.ProcessedLen = gathered, 0
	err := b.fn(ctx, cmd)
	cmd.Payload, cmd.ProcessedLen = payload, processed
	return err
}
