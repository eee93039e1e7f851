package cdo

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Handler executes one command.
//
// Execute is called once per command occurrence with the payload available
// in the current chunk. Handlers that also implement Resumer receive the
// remaining payload slices through Resume; otherwise Execute is called again
// with cmd.ProcessedLen > 0.
type Handler interface {
	Execute(ctx context.Context, cmd *Command) error
}

// Resumer continues a command whose payload spans chunks.
type Resumer interface {
	Resume(ctx context.Context, cmd *Command) error
}

// Table resolves command identifiers to handlers.
type Table interface {
	Lookup(moduleID, apiID uint8) (Handler, bool)
}

// Dispatch describes one Execute or Resume call.
type Dispatch struct {
	Seq          uint64
	Stream       uint64 // processor-local stream identifier
	Depth        int
	Offset       uint32
	CmdID        uint16
	Len          uint32
	ProcessedLen uint32
	Resume       bool
	Payload      []uint32 // copy of the words delivered in this call
	Err          error
}

// Observer receives every dispatch in stream order.
type Observer interface {
	Dispatched(d Dispatch)
}

// RecoveryMode selects how handler failures are treated.
type RecoveryMode int

const (
	// RecoveryNone aborts the stream on the first handler failure.
	RecoveryNone RecoveryMode = iota

	// RecoveryLockdown records handler failures and keeps processing so a
	// best-effort lockdown sequence runs to completion.
	RecoveryLockdown
)

// String returns the configuration name of the mode.
func (m RecoveryMode) String() string {
	switch m {
	case RecoveryLockdown:
		return "lockdown"
	default:
		return "none"
	}
}

// ParseRecoveryMode maps a configuration name to a RecoveryMode.
func ParseRecoveryMode(s string) (RecoveryMode, bool) {
	switch s {
	case "", "none":
		return RecoveryNone, true
	case "lockdown":
		return RecoveryLockdown, true
	default:
		return RecoveryNone, false
	}
}

// DefaultMaxDepth allows a top-level stream plus one nested stream.
const DefaultMaxDepth = 2

// Guard bounds the number of interpreter invocations active at once.
//
// One Guard is shared by every stream of a Processor, so a handler that
// runs a nested stream through the same Processor is counted against the
// same ceiling.
type Guard struct {
	depth atomic.Int32
	max   int32
}

// NewGuard creates a guard with the given ceiling.
func NewGuard(maxDepth int) *Guard {
	return &Guard{max: int32(maxDepth)}
}

// Enter claims a nesting level. Returns the new depth, or a
// MAX_RECURSION_EXCEEDED error leaving the depth unchanged.
func (g *Guard) Enter() (int, error) {
	d := g.depth.Add(1)
	if d > g.max {
		g.depth.Add(-1)
		return int(d - 1), NewDepthError(int(d), int(g.max))
	}
	return int(d), nil
}

// Exit releases a nesting level claimed by Enter.
func (g *Guard) Exit() {
	g.depth.Add(-1)
}

// Depth returns the number of active invocations.
func (g *Guard) Depth() int {
	return int(g.depth.Load())
}

// Max returns the ceiling.
func (g *Guard) Max() int {
	return int(g.max)
}

// Processor creates streams that share a handler table, a recursion guard,
// a logger and an observer.
type Processor struct {
	table    Table
	guard    *Guard
	logger   *slog.Logger
	observer Observer
	recovery RecoveryMode
	maxDepth int

	streams atomic.Uint64
	seq     atomic.Uint64
}

// Option configures a Processor.
type Option func(*Processor)

// WithMaxDepth sets the nesting ceiling.
//
// Default: 2 (DefaultMaxDepth).
func WithMaxDepth(n int) Option {
	return func(p *Processor) {
		p.maxDepth = n
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithObserver registers an observer for every stream of the processor.
func WithObserver(o Observer) Option {
	return func(p *Processor) {
		p.observer = o
	}
}

// WithRecoveryMode sets the default recovery mode of new streams.
func WithRecoveryMode(m RecoveryMode) Option {
	return func(p *Processor) {
		p.recovery = m
	}
}

// NewProcessor creates a Processor dispatching through table.
func NewProcessor(table Table, opts ...Option) *Processor {
	p := &Processor{
		table:    table,
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.guard = NewGuard(p.maxDepth)
	return p
}

// Guard returns the processor's recursion guard.
func (p *Processor) Guard() *Guard {
	return p.guard
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithSubsystem sets the subsystem id propagated to every command.
func WithSubsystem(id uint32) StreamOption {
	return func(s *Stream) {
		s.subsystem = id
	}
}

// WithPartition tags the stream's log records with a partition id.
func WithPartition(id uint32) StreamOption {
	return func(s *Stream) {
		s.partition = id
	}
}

// WithStreamRecovery overrides the processor's recovery mode.
func WithStreamRecovery(m RecoveryMode) StreamOption {
	return func(s *Stream) {
		s.recovery = m
	}
}

// WithStreamObserver adds an observer for this stream only.
func WithStreamObserver(o Observer) StreamOption {
	return func(s *Stream) {
		s.observers = append(s.observers, o)
	}
}

// NewStream creates a stream that expects a CDO header in its first words.
func (p *Processor) NewStream(opts ...StreamOption) *Stream {
	s := &Stream{
		proc:     p,
		id:       p.streams.Add(1),
		recovery: p.recovery,
		state:    stateStart{},
	}
	if p.observer != nil {
		s.observers = append(s.observers, p.observer)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = p.logger.With("stream", s.id, "partition", s.partition)
	return s
}

// Run processes a complete image held in one buffer.
//
// Used for nested streams (procedures) and whole-file runs. A buffer that
// ends before the declared length fails with TRUNCATED_STREAM.
func (p *Processor) Run(ctx context.Context, buf []byte, opts ...StreamOption) error {
	s := p.NewStream(opts...)
	status, err := s.Process(ctx, buf)
	if err != nil {
		return err
	}
	if status == StatusNeedData {
		return newError(ErrCodeTruncated, s.Processed(),
			"buffer ended after %d of %d words", s.Processed(), s.Declared())
	}
	return nil
}
