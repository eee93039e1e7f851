// Package generic implements the generic command module (module id 1):
// register access, polling, transfers, logging, stored procedures and
// begin/end/break blocks.
//
// Register and memory accesses go through a Bus; bulk data moves through an
// xfer.Engine. Stored procedures run as nested streams through a Runner,
// normally the same cdo.Processor that dispatches this module, so the
// processor's nesting ceiling bounds procedure recursion.
package generic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cdo/internal/cdo"
	"github.com/roach88/cdo/internal/module"
	"github.com/roach88/cdo/internal/xfer"
)

// ModuleID is the generic module's identifier.
const ModuleID uint8 = 1

// API identifiers.
const (
	APIFeatures  uint8 = 0x00
	APIMaskPoll  uint8 = 0x01
	APIMaskWrite uint8 = 0x02
	APIWrite     uint8 = 0x03
	APIDelay     uint8 = 0x04
	APIDMAWrite  uint8 = 0x05
	APISet       uint8 = 0x09
	APINop       uint8 = 0x0D
	APILogString uint8 = 0x11
	APIMarker    uint8 = 0x13
	APIProc      uint8 = 0x14
	APIRunProc   uint8 = 0x15
	APIBegin     uint8 = 0x16
	APIEnd       uint8 = 0x17
	APIBreak     uint8 = 0x18
)

// Limits.
const (
	MaxLogString    = 256 // bytes, including the terminator
	DefaultMaxProcs = 10
	beginLabelWords = 6

	// MaxBlockLabel is the longest begin label logged, in bytes.
	MaxBlockLabel = beginLabelWords * 4
)

// DefaultStaging is where dma_write stages payload words before handing
// them to the transfer engine.
const DefaultStaging uint64 = 0xFFFF_0000_0000

// DefaultPollAttempts bounds the reads of one mask_poll.
const DefaultPollAttempts = 10000

// Bus performs single-word register accesses.
type Bus interface {
	Read32(addr uint64) (uint32, error)
	Write32(addr uint64, v uint32) error
}

// Runner runs a complete CDO image as a nested stream.
type Runner interface {
	Run(ctx context.Context, buf []byte, opts ...cdo.StreamOption) error
}

// Errors returned by generic commands.
var (
	ErrPayload       = errors.New("invalid payload")
	ErrLogTooLong    = errors.New("log string too long")
	ErrProcNotFound  = errors.New("procedure not found")
	ErrProcLimit     = errors.New("procedure table full")
	ErrNoRunner      = errors.New("no runner attached")
	ErrBlockMismatch = errors.New("end does not match its begin")
)

// PollError reports a mask_poll that never saw the expected value.
type PollError struct {
	Addr     uint64
	Mask     uint32
	Expected uint32
	Last     uint32
	Attempts int
	Code     uint32 // minor error code from the command, 0 if none
}

func (e *PollError) Error() string {
	msg := fmt.Sprintf("mask poll %#x: (%#x & %#x) != %#x after %d reads",
		e.Addr, e.Last, e.Mask, e.Expected, e.Attempts)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %#x)", e.Code)
	}
	return msg
}

// Poll failure handling, bits 0-3 of the mask_poll flags word.
const (
	PollFail   uint32 = 0
	PollIgnore uint32 = 1
	PollDefer  uint32 = 2
	PollBreak  uint32 = 3

	pollKindMask   = 0xF
	pollLevelShift = 16
	pollLevelMask  = 0xFF
	minorCodeMask  = 0xFFFF
)

// PollFlags builds a mask_poll flags word.
func PollFlags(kind uint32, level uint8) uint32 {
	return kind&pollKindMask | uint32(level)<<pollLevelShift
}

// Module is the generic command module.
type Module struct {
	bus          Bus
	engine       xfer.Engine
	logger       *slog.Logger
	console      io.Writer
	staging      uint64
	pollAttempts int
	maxProcs     int

	mu     sync.Mutex
	runner Runner
	procs  map[uint32][]uint32
	delay  time.Duration
}

// Option configures a Module.
type Option func(*Module)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Module) {
		m.logger = l
	}
}

// WithConsole sets where log_string output is written. Default: none.
func WithConsole(w io.Writer) Option {
	return func(m *Module) {
		m.console = w
	}
}

// WithStaging sets the dma_write staging address.
func WithStaging(addr uint64) Option {
	return func(m *Module) {
		m.staging = addr
	}
}

// WithPollAttempts bounds the reads of a single mask_poll.
func WithPollAttempts(n int) Option {
	return func(m *Module) {
		m.pollAttempts = n
	}
}

// WithMaxProcs sets the number of procedures that can be stored.
func WithMaxProcs(n int) Option {
	return func(m *Module) {
		m.maxProcs = n
	}
}

// WithRunner sets the runner for stored procedures.
func WithRunner(r Runner) Option {
	return func(m *Module) {
		m.runner = r
	}
}

// New creates the module.
func New(bus Bus, engine xfer.Engine, opts ...Option) *Module {
	m := &Module{
		bus:          bus,
		engine:       engine,
		staging:      DefaultStaging,
		pollAttempts: DefaultPollAttempts,
		maxProcs:     DefaultMaxProcs,
		procs:        make(map[uint32][]uint32),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Attach sets the runner used by run_proc.
//
// The runner is usually the processor built from a registry containing
// this module, so it can only be attached after construction.
func (m *Module) Attach(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runner = r
}

// Delayed returns the total delay requested by delay commands.
func (m *Module) Delayed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delay
}

// Proc returns a stored procedure body.
func (m *Module) Proc(id uint32) ([]uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	return p, ok
}

// Descriptor returns the module for registration.
func (m *Module) Descriptor() module.Module {
	return module.Module{
		ID:   ModuleID,
		Name: "generic",
		Commands: []module.Command{
			{API: APIFeatures, Name: "features", Handler: module.Buffered(m.features)},
			{API: APIMaskPoll, Name: "mask_poll", Handler: module.Buffered(m.maskPoll)},
			{API: APIMaskWrite, Name: "mask_write", Handler: module.Buffered(m.maskWrite)},
			{API: APIWrite, Name: "write", Handler: module.Buffered(m.write)},
			{API: APIDelay, Name: "delay", Handler: module.Buffered(m.delayCmd)},
			{API: APIDMAWrite, Name: "dma_write", Handler: module.ResumableFunc{Start: m.dmaWrite, Next: m.dmaWrite}},
			{API: APISet, Name: "set", Handler: module.Buffered(m.set)},
			{API: APINop, Name: "nop", Handler: module.HandlerFunc(m.nop)},
			{API: APILogString, Name: "log_string", Handler: module.ResumableFunc{Start: m.logString, Next: m.logString}},
			{API: APIMarker, Name: "marker", Handler: module.Buffered(m.marker)},
			{API: APIProc, Name: "proc", Handler: module.ResumableFunc{Start: m.proc, Next: m.proc}},
			{API: APIRunProc, Name: "run_proc", Handler: module.Buffered(m.runProc)},
			{API: APIBegin, Name: "begin", Handler: module.Buffered(m.begin)},
			{API: APIEnd, Name: "end", Handler: module.Buffered(m.end)},
			{API: APIBreak, Name: "break", Handler: module.Buffered(m.breakCmd)},
		},
	}
}

// Names maps command names to API ids.
func Names() map[string]uint8 {
	d := (&Module{}).Descriptor()
	out := make(map[string]uint8, len(d.Commands))
	for _, c := range d.Commands {
		out[c.Name] = c.API
	}
	return out
}

// Register adds the module to r.
func (m *Module) Register(r *module.Registry) error {
	return r.Register(m.Descriptor())
}

func arity(cmd *cdo.Command, minWords, maxWords int) error {
	n := len(cmd.Payload)
	if n < minWords || (maxWords >= 0 && n > maxWords) {
		if maxWords < 0 {
			return fmt.Errorf("%w: %d words, want at least %d", ErrPayload, n, minWords)
		}
		return fmt.Errorf("%w: %d words, want %d..%d", ErrPayload, n, minWords, maxWords)
	}
	return nil
}

func addr64(hi, lo uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

// features reports whether payload[0] names a supported API.
func (m *Module) features(_ context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 1, 1); err != nil {
		return err
	}
	cmd.Response[0] = 0
	cmd.Response[1] = 1
	for _, api := range Names() {
		if uint32(api) == cmd.Payload[0] {
			cmd.Response[1] = 0
			break
		}
	}
	return nil
}

func (m *Module) maskPoll(ctx context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 4, 6); err != nil {
		return err
	}
	p := cmd.Payload
	addr, mask, expected, timeout := uint64(p[0]), p[1], p[2], p[3]
	var flags uint32
	if len(p) >= 5 {
		flags = p[4]
	}

	attempts := min(max(int(timeout), 1), m.pollAttempts)
	var v uint32
	var err error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if v, err = m.bus.Read32(addr); err != nil {
			return err
		}
		if v&mask == expected {
			m.logger.Debug("mask poll done", "addr", fmt.Sprintf("%#x", addr), "reads", i+1)
			return nil
		}
	}

	perr := &PollError{Addr: addr, Mask: mask, Expected: expected, Last: v, Attempts: attempts}
	if len(p) == 6 {
		perr.Code = p[5] & minorCodeMask
	}

	switch flags & pollKindMask {
	case PollIgnore:
		m.logger.Debug("mask poll failed, ignored", "error", perr)
		return nil
	case PollDefer:
		return cdo.Defer(perr)
	case PollBreak:
		level := int(flags >> pollLevelShift & pollLevelMask)
		target, err := cmd.Blocks.JumpTarget(level)
		if err != nil {
			return fmt.Errorf("%w: %v", perr, err)
		}
		m.logger.Debug("mask poll failed, breaking", "level", level, "target", target)
		cmd.BreakTo(target)
		return nil
	default:
		return perr
	}
}

func (m *Module) maskWrite(_ context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 3, 3); err != nil {
		return err
	}
	addr, mask, value := uint64(cmd.Payload[0]), cmd.Payload[1], cmd.Payload[2]
	v, err := m.bus.Read32(addr)
	if err != nil {
		return err
	}
	return m.bus.Write32(addr, v&^mask|value&mask)
}

func (m *Module) write(_ context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 2, 2); err != nil {
		return err
	}
	return m.bus.Write32(uint64(cmd.Payload[0]), cmd.Payload[1])
}

func (m *Module) delayCmd(_ context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 1, 1); err != nil {
		return err
	}
	d := time.Duration(cmd.Payload[0]) * time.Microsecond
	m.mu.Lock()
	m.delay += d
	m.mu.Unlock()
	m.logger.Debug("delay", "duration", d)
	return nil
}

type dmaState struct {
	addr    []uint32
	dst     uint64
	written uint32
}

// dmaWrite streams payload data to the destination in payload[0..1].
// The destination may itself be split across chunks.
func (m *Module) dmaWrite(ctx context.Context, cmd *cdo.Command) error {
	if cmd.Len < 2 {
		return fmt.Errorf("%w: dma_write needs a destination address", ErrPayload)
	}
	st, _ := cmd.State.(*dmaState)
	if st == nil {
		st = &dmaState{}
		cmd.State = st
	}

	data := cmd.Payload
	for len(st.addr) < 2 && len(data) > 0 {
		st.addr = append(st.addr, data[0])
		data = data[1:]
		if len(st.addr) == 2 {
			st.dst = addr64(st.addr[0], st.addr[1])
		}
	}
	if len(data) == 0 {
		return nil
	}

	for i, w := range data {
		if err := m.bus.Write32(m.staging+uint64(i)*4, w); err != nil {
			return fmt.Errorf("stage payload: %w", err)
		}
	}
	dst := st.dst + uint64(st.written)*4
	if err := m.engine.Transfer(ctx, m.staging, dst, uint32(len(data)), xfer.FlagFromPayload); err != nil {
		return err
	}
	st.written += uint32(len(data))
	return nil
}

func (m *Module) set(ctx context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 4, 4); err != nil {
		return err
	}
	p := cmd.Payload
	return m.engine.Transfer(ctx, uint64(p[3]), addr64(p[0], p[1]), p[2], xfer.FlagFill)
}

func (m *Module) nop(context.Context, *cdo.Command) error {
	return nil
}

// logString gathers the string across resumes and prints it once complete.
func (m *Module) logString(_ context.Context, cmd *cdo.Command) error {
	if cmd.ProcessedLen == 0 {
		if uint64(cmd.Len)*cdo.WordSize >= MaxLogString {
			return fmt.Errorf("%w: %d bytes, max %d", ErrLogTooLong, uint64(cmd.Len)*cdo.WordSize, MaxLogString-1)
		}
		cmd.State = make([]uint32, 0, cmd.Len)
	}
	buf, _ := cmd.State.([]uint32)
	buf = append(buf, cmd.Payload...)
	cmd.State = buf
	if !cmd.Final() {
		return nil
	}

	text := DecodeText(buf)
	m.logger.Info("log_string", "text", text, "offset", cmd.Offset)
	if m.console != nil {
		if _, err := fmt.Fprintln(m.console, text); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) marker(_ context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 1, -1); err != nil {
		return err
	}
	m.logger.Debug("marker",
		"type", cmd.Payload[0],
		"text", DecodeText(cmd.Payload[1:]),
		"offset", cmd.Offset,
	)
	return nil
}

type procState struct {
	id     uint32
	haveID bool
	body   []uint32
}

// proc stores the command words that follow the procedure id.
func (m *Module) proc(_ context.Context, cmd *cdo.Command) error {
	if cmd.Len < 1 {
		return fmt.Errorf("%w: proc needs an id", ErrPayload)
	}
	st, _ := cmd.State.(*procState)
	if st == nil {
		st = &procState{}
		cmd.State = st
	}
	data := cmd.Payload
	if !st.haveID && len(data) > 0 {
		st.id, st.haveID = data[0], true
		data = data[1:]
	}
	st.body = append(st.body, data...)
	if !cmd.Final() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.procs[st.id]; !exists && len(m.procs) >= m.maxProcs {
		return fmt.Errorf("%w: %d procedures stored", ErrProcLimit, len(m.procs))
	}
	m.procs[st.id] = st.body
	m.logger.Debug("proc stored", "proc_id", fmt.Sprintf("%#x", st.id), "words", len(st.body))
	return nil
}

// runProc runs a stored procedure as a nested stream.
func (m *Module) runProc(ctx context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 1, 1); err != nil {
		return err
	}
	id := cmd.Payload[0]

	m.mu.Lock()
	body, ok := m.procs[id]
	runner := m.runner
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x", ErrProcNotFound, id)
	}
	if runner == nil {
		return ErrNoRunner
	}

	hdr := cdo.EncodeHeader(cdo.DefaultVersion, uint32(len(body)))
	image := append(hdr[:], body...)
	m.logger.Debug("running proc", "proc_id", fmt.Sprintf("%#x", id), "depth", cmd.Depth)
	if err := runner.Run(ctx, cdo.EncodeWords(image), cdo.WithSubsystem(cmd.SubsystemID)); err != nil {
		return fmt.Errorf("proc %#x: %w", id, err)
	}
	return nil
}

// begin opens a block. payload[0] is the number of words between the end
// of this command and its matching end command; optional further words
// carry a label.
func (m *Module) begin(_ context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 1, -1); err != nil {
		return err
	}
	end := cmd.End() + cmd.Payload[0]
	if err := cmd.Blocks.Push(end); err != nil {
		return err
	}
	if len(cmd.Payload) > 1 {
		label := cmd.Payload[1:]
		if len(label) > beginLabelWords {
			label = label[:beginLabelWords]
		}
		m.logger.Info("begin", "label", DecodeText(label), "end", end)
	}
	return nil
}

func (m *Module) end(_ context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 0, 0); err != nil {
		return err
	}
	want, err := cmd.Blocks.Pop()
	if err != nil {
		return err
	}
	if want != cmd.Offset {
		return fmt.Errorf("%w: end at %d, begin expects %d", ErrBlockMismatch, cmd.Offset, want)
	}
	return nil
}

func (m *Module) breakCmd(_ context.Context, cmd *cdo.Command) error {
	if err := arity(cmd, 0, 1); err != nil {
		return err
	}
	level := 1
	if len(cmd.Payload) == 1 {
		level = int(cmd.Payload[0] & pollLevelMask)
	}
	target, err := cmd.Blocks.JumpTarget(level)
	if err != nil {
		return err
	}
	cmd.BreakTo(target)
	return nil
}
